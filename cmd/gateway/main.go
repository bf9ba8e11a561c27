package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/messaging-gateway/internal/api"
	"github.com/LeventeLantos/messaging-gateway/internal/auth"
	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/config"
	"github.com/LeventeLantos/messaging-gateway/internal/connection"
	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
	"github.com/LeventeLantos/messaging-gateway/internal/provider/mattermost"
	"github.com/LeventeLantos/messaging-gateway/internal/provider/telegram"
	"github.com/LeventeLantos/messaging-gateway/internal/provider/whatsapp"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/retry"
	"github.com/LeventeLantos/messaging-gateway/internal/scheduler"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Quiet, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("main")
	log.Info("messaging gateway starting",
		"addr", cfg.Server.Address,
		"retryInterval", cfg.Retry.Interval,
		"batch", cfg.Retry.BatchSize,
		"redis", cfg.Redis.Enabled,
	)

	pool, err := repo.Connect(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repo.Migrate(ctx, pool); err != nil {
		return err
	}

	messages := repo.NewPostgresMessageRepo(pool)
	statuses := repo.NewPostgresStatusRepo(pool)
	keys := repo.NewPostgresAPIKeyRepo(pool)

	var (
		counter  cache.CounterStore = cache.NewMemoryCounter()
		receipts api.ReceiptLookup
		onSent   func(ctx context.Context, id uuid.UUID, externalID string) error
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		counter = cache.NewRedisCounter(rdb, "ratelimit:")
		sentCache := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		receipts = sentCache
		onSent = func(ctx context.Context, id uuid.UUID, externalID string) error {
			return sentCache.StoreSent(ctx, id, externalID, time.Now().UTC())
		}
	}

	var sinks []events.Sink
	if cfg.Events.AMQPURL != "" {
		sink, err := events.NewAMQPSink(cfg.Events.AMQPURL, cfg.Events.AMQPExchange)
		if err != nil {
			log.Warn("amqp event sink disabled", "error", err)
		} else {
			defer sink.Close()
			sinks = append(sinks, sink)
		}
	}
	bus := events.NewBus(sinks...)

	providers := []provider.Provider{
		whatsapp.New(),
		telegram.New(&http.Client{Timeout: 30 * time.Second}),
		mattermost.New(),
	}
	machines := make([]*connection.Machine, 0, len(providers))
	deliverers := service.DelivererSet{}
	for _, p := range providers {
		m := connection.New(p, statuses,
			connection.WithHandshakeTimeout(cfg.Providers.HandshakeTimeout),
			connection.WithPublisher(bus),
		)
		machines = append(machines, m)
		deliverers[p.Service()] = m
	}
	registry := connection.NewRegistry(machines...)
	if err := registry.RestoreAll(ctx); err != nil {
		log.Warn("restore provider state", "error", err)
	}
	if err := seedProviders(ctx, registry, cfg.Providers.SeedFile); err != nil {
		return err
	}

	sender := service.NewSender(messages, deliverers, cfg.Delivery.ContentMax, cfg.Delivery.MaxRetries).
		WithHooks(onSent, nil).
		WithPublisher(bus)

	retrier := retry.New(messages, retry.Config{
		StaleAfter: cfg.Retry.StaleAfter,
		BatchSize:  cfg.Retry.BatchSize,
	}).WithRedeliverer(sender)

	sched, err := scheduler.New(cfg.Retry.Interval, func(ctx context.Context) {
		retrier.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	gateway := auth.NewGateway(
		auth.NewAPIKeyVerifier(keys, counter),
		auth.NewTokenIssuer(cfg.Admin.TokenSecret, cfg.Admin.SessionTTL),
		counter,
		auth.AdminConfig{
			Username:     cfg.Admin.Username,
			PasswordHash: cfg.Admin.PasswordHash,
			RateLimit:    cfg.Admin.RateLimit,
			RateWindow:   cfg.Admin.RateWindow,
		},
	)

	handler := api.NewHandler(api.Deps{
		Hub:       service.NewHub(registry, sender, retrier),
		Auth:      gateway,
		Messages:  messages,
		Receipts:  receipts,
		Scheduler: sched,
		Sweeper:   retrier,
		Events:    bus,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	registry.ReconnectAll(ctx, cfg.Providers.ReconnectAttempts, cfg.Providers.ReconnectBackoff)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// seedProviders configures providers named in the seed file that have no
// stored credentials yet.
func seedProviders(ctx context.Context, registry *connection.Registry, path string) error {
	seed, err := config.LoadProviderSeed(path)
	if err != nil {
		return err
	}
	for _, m := range registry.All() {
		if m.Session().State != model.Unconfigured {
			continue
		}
		raw, err := seed.Credentials(string(m.Service()))
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		if err := m.Configure(ctx, raw); err != nil {
			return fmt.Errorf("seed %s: %w", m.Service(), err)
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func loggingMiddleware(next http.Handler) http.Handler {
	log := logging.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"durationMs", time.Since(start).Milliseconds(),
		)
	})
}
