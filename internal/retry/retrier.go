// Package retry re-arms failed messages for another delivery attempt.
package retry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

// Redeliverer sends re-armed messages again. The delivery pipeline
// implements it.
type Redeliverer interface {
	Redeliver(ctx context.Context, limit int, lease time.Duration) (sent int, failed int, err error)
}

type Config struct {
	StaleAfter time.Duration
	BatchSize  int
	// Lease bounds how long a claimed message stays invisible to other
	// redelivery runs.
	Lease time.Duration
}

type SweepResult struct {
	Skipped          bool `json:"skipped"`
	Scanned          int  `json:"scanned"`
	Rearmed          int  `json:"rearmed"`
	Exhausted        int  `json:"exhausted"`
	Errors           int  `json:"errors"`
	Redelivered      int  `json:"redelivered"`
	RedeliveryFailed int  `json:"redeliveryFailed"`
}

type Retrier struct {
	messages    repo.MessageRepository
	redeliverer Redeliverer
	cfg         Config
	log         *slog.Logger

	sweeping atomic.Bool
}

func New(messages repo.MessageRepository, cfg Config) *Retrier {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Retrier{
		messages: messages,
		cfg:      cfg,
		log:      logging.Component("retry"),
	}
}

// WithRedeliverer makes every sweep finish by redelivering what it re-armed.
func (r *Retrier) WithRedeliverer(rd Redeliverer) *Retrier {
	r.redeliverer = rd
	return r
}

// Sweep re-arms stale failed messages that still have retries left. Only one
// sweep runs at a time; a concurrent call returns at once with Skipped set.
func (r *Retrier) Sweep(ctx context.Context) SweepResult {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.log.Debug("sweep already running, skipping tick")
		return SweepResult{Skipped: true}
	}
	defer r.sweeping.Store(false)

	var res SweepResult
	msgs, err := r.messages.FindFailedForRetry(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		r.log.Error("find failed messages", "error", err)
		res.Errors++
		return res
	}
	res.Scanned = len(msgs)

	for _, m := range msgs {
		next := m.RetryCount + 1
		if next > m.MaxRetries {
			res.Exhausted++
			r.log.Info("retries exhausted", "id", m.ID, "retry_count", m.RetryCount, "max_retries", m.MaxRetries)
			continue
		}

		pending := model.Pending
		err := r.messages.UpdateByID(ctx, m.ID, model.MessagePatch{
			Status:     &pending,
			RetryCount: &next,
			ClearError: true,
		})
		if err != nil {
			res.Errors++
			r.log.Error("re-arm message", "id", m.ID, "error", err)
			continue
		}
		res.Rearmed++
	}

	if r.redeliverer != nil {
		sent, failed, err := r.redeliverer.Redeliver(ctx, r.cfg.BatchSize, r.cfg.Lease)
		if err != nil {
			res.Errors++
			r.log.Error("redeliver", "error", err)
		}
		res.Redelivered, res.RedeliveryFailed = sent, failed
	}

	if res.Scanned > 0 || res.Redelivered > 0 || res.RedeliveryFailed > 0 {
		r.log.Info("sweep finished",
			"scanned", res.Scanned,
			"rearmed", res.Rearmed,
			"exhausted", res.Exhausted,
			"errors", res.Errors,
			"redelivered", res.Redelivered,
			"redelivery_failed", res.RedeliveryFailed,
		)
	}
	return res
}

func (r *Retrier) IsSweeping() bool {
	return r.sweeping.Load()
}

// Stats is a point-in-time snapshot taken independently of any sweep.
func (r *Retrier) Stats(ctx context.Context) (model.QueueStats, error) {
	var s model.QueueStats
	var err error

	if s.PendingMessages, err = r.messages.Count(ctx, model.MessageFilter{Status: model.Pending}); err != nil {
		return s, err
	}
	if s.FailedMessages, err = r.messages.Count(ctx, model.MessageFilter{Status: model.Failed}); err != nil {
		return s, err
	}
	if s.RetryableMessages, err = r.messages.Count(ctx, model.MessageFilter{Status: model.Failed, Retryable: true}); err != nil {
		return s, err
	}
	return s, nil
}
