package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const receiptPrefix = "msg:"

// RedisCache keeps delivery receipts under msg:<uuid> until ttl expires.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(id uuid.UUID) string {
	return receiptPrefix + id.String()
}

func (c *RedisCache) StoreSent(ctx context.Context, id uuid.UUID, externalID string, sentAt time.Time) error {
	b, err := json.Marshal(SentRecord{ExternalID: externalID, SentAt: sentAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	if err := c.rdb.Set(ctx, receiptKey(id), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("store receipt %s: %w", id, err)
	}
	return nil
}

func (c *RedisCache) LookupSent(ctx context.Context, id uuid.UUID) (SentRecord, bool, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentRecord{}, false, nil
	}
	if err != nil {
		return SentRecord{}, false, fmt.Errorf("load receipt %s: %w", id, err)
	}

	var rec SentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return SentRecord{}, false, fmt.Errorf("decode receipt %s: %w", id, err)
	}
	return rec, true, nil
}
