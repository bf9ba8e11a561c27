package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Retry     RetryConfig
	Delivery  DeliveryConfig
	Providers ProvidersConfig
	Admin     AdminConfig
	Events    EventsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type RetryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

type DeliveryConfig struct {
	ContentMax int
	MaxRetries int
}

type ProvidersConfig struct {
	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	SeedFile          string
}

type AdminConfig struct {
	Username     string
	PasswordHash string
	TokenSecret  string
	SessionTTL   time.Duration
	RateLimit    int
	RateWindow   time.Duration
}

type EventsConfig struct {
	AMQPURL      string
	AMQPExchange string
}

type LogConfig struct {
	Level  string
	Format string
	Quiet  []string
}

func LoadAll() (*Config, error) {
	var errs []error

	collect := func(v int, err error) int {
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(collect(getEnvInt(key, def))) * time.Second
	}

	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		errs = append(errs, err)
	}
	tokenSecret, err := requireEnv("ADMIN_TOKEN_SECRET")
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Retry: RetryConfig{
			Interval:   seconds("RETRY_INTERVAL_SECONDS", 30),
			StaleAfter: time.Duration(collect(getEnvInt("RETRY_STALE_HOURS", 24))) * time.Hour,
			BatchSize:  collect(getEnvInt("RETRY_BATCH_SIZE", 50)),
		},
		Delivery: DeliveryConfig{
			ContentMax: collect(getEnvInt("CONTENT_MAX", 4096)),
			MaxRetries: collect(getEnvInt("MAX_RETRIES", 3)),
		},
		Providers: ProvidersConfig{
			HandshakeTimeout:  seconds("HANDSHAKE_TIMEOUT_SECONDS", 300),
			ReconnectAttempts: collect(getEnvInt("RECONNECT_ATTEMPTS", 3)),
			ReconnectBackoff:  seconds("RECONNECT_BACKOFF_SECONDS", 5),
			SeedFile:          os.Getenv("PROVIDERS_FILE"),
		},
		Admin: AdminConfig{
			Username:     getEnv("ADMIN_USERNAME", "admin"),
			PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			TokenSecret:  tokenSecret,
			SessionTTL:   seconds("ADMIN_SESSION_TTL_SECONDS", 43200),
			RateLimit:    collect(getEnvInt("ADMIN_RATE_LIMIT", 50)),
			RateWindow:   seconds("ADMIN_RATE_WINDOW_SECONDS", 3600),
		},
		Events: EventsConfig{
			AMQPURL:      os.Getenv("AMQP_URL"),
			AMQPExchange: getEnv("AMQP_EXCHANGE", "gateway.events"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
			Quiet:  splitList(os.Getenv("LOG_QUIET_COMPONENTS")),
		},
	}

	redisCfg, redisErrs := loadRedisConfig()
	cfg.Redis = redisCfg
	errs = append(errs, redisErrs...)

	if len(errs) == 0 {
		errs = append(errs, validate(cfg)...)
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, []error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errs
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("RETRY_INTERVAL_SECONDS", int64(cfg.Retry.Interval))
	positive("RETRY_STALE_HOURS", int64(cfg.Retry.StaleAfter))
	positive("RETRY_BATCH_SIZE", int64(cfg.Retry.BatchSize))
	positive("CONTENT_MAX", int64(cfg.Delivery.ContentMax))
	positive("HANDSHAKE_TIMEOUT_SECONDS", int64(cfg.Providers.HandshakeTimeout))
	positive("ADMIN_SESSION_TTL_SECONDS", int64(cfg.Admin.SessionTTL))
	positive("ADMIN_RATE_LIMIT", int64(cfg.Admin.RateLimit))
	positive("ADMIN_RATE_WINDOW_SECONDS", int64(cfg.Admin.RateWindow))

	if cfg.Delivery.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must be >= 0"))
	}
	if cfg.Providers.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_ATTEMPTS must be >= 0"))
	}
	if len(cfg.Admin.TokenSecret) < 16 {
		errs = append(errs, errors.New("ADMIN_TOKEN_SECRET must be at least 16 bytes"))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.Log.Format))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
