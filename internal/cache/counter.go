package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is the single-process CounterStore.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// SetClock replaces the time source.
func (c *MemoryCounter) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCounter) Incr(_ context.Context, key string, length time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(length)}
		c.windows[key] = w
		c.sweepLocked(now)
	}
	w.count++
	return w.count, w.resetAt, nil
}

// sweepLocked drops closed windows so idle identities do not accumulate.
func (c *MemoryCounter) sweepLocked(now time.Time) {
	for k, w := range c.windows {
		if now.After(w.resetAt) {
			delete(c.windows, k)
		}
	}
}

// RedisCounter shares windows across gateway processes.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCounter(rdb *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, length time.Duration) (int64, time.Time, error) {
	k := c.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incr %s: %w", k, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// Fresh key: open the window.
		if err := c.rdb.PExpire(ctx, k, length).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("expire %s: %w", k, err)
		}
		remaining = length
	}
	return incr.Val(), time.Now().Add(remaining), nil
}
