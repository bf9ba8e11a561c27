package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SentRecord is the delivery receipt kept for recently sent messages.
type SentRecord struct {
	ExternalID string    `json:"externalId"`
	SentAt     time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, id uuid.UUID, externalID string, sentAt time.Time) error
	// LookupSent reports false when no receipt is cached for id.
	LookupSent(ctx context.Context, id uuid.UUID) (SentRecord, bool, error)
}

// CounterStore implements fixed-window counting. Incr bumps the counter for
// key and returns the new count together with the moment the current window
// closes; the first hit opens a window of the given length.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}
