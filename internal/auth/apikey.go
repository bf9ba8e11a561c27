package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

// HashKey is how raw API keys are stored and looked up.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type APIKeyVerifier struct {
	keys    repo.APIKeyRepository
	counter cache.CounterStore
	window  time.Duration
	now     func() time.Time
}

func NewAPIKeyVerifier(keys repo.APIKeyRepository, counter cache.CounterStore) *APIKeyVerifier {
	return &APIKeyVerifier{keys: keys, counter: counter, window: time.Hour, now: time.Now}
}

func (v *APIKeyVerifier) Verify(ctx context.Context, raw, perm string) (model.Identity, Quota, error) {
	key, err := v.keys.FindByHash(ctx, HashKey(raw))
	if errors.Is(err, repo.ErrNotFound) {
		return model.Identity{}, Quota{}, unauthorized("invalid api key")
	}
	if err != nil {
		return model.Identity{}, Quota{}, fmt.Errorf("lookup api key: %w", err)
	}
	if !key.IsActive {
		return model.Identity{}, Quota{}, unauthorized("api key disabled")
	}
	if key.ExpiresAt != nil && !v.now().Before(*key.ExpiresAt) {
		return model.Identity{}, Quota{}, unauthorized("api key expired")
	}

	id := model.Identity{
		CallerID:    key.ID,
		Kind:        model.KindAPIKey,
		Permissions: key.Permissions,
		RateLimit:   key.RateLimit,
	}
	if !id.Can(perm) {
		return model.Identity{}, Quota{}, fmt.Errorf("%w: missing permission %s", ErrForbidden, perm)
	}
	if key.RateLimit <= 0 {
		return id, Quota{}, nil
	}

	quota, err := consume(ctx, v.counter, "apikey:"+key.ID, key.RateLimit, v.window, v.now())
	if err != nil {
		return model.Identity{}, quota, err
	}
	return id, quota, nil
}

// consume counts one request against a fixed window and reports a
// RateLimitError once the count passes limit.
func consume(ctx context.Context, counter cache.CounterStore, key string, limit int, window time.Duration, now time.Time) (Quota, error) {
	count, resetAt, err := counter.Incr(ctx, key, window)
	if err != nil {
		return Quota{}, fmt.Errorf("rate limit counter: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	q := Quota{Limit: limit, Remaining: remaining, ResetAt: resetAt}

	if count > int64(limit) {
		retry := resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return q, &RateLimitError{Limit: limit, ResetAt: resetAt, RetryAfter: retry}
	}
	return q, nil
}
