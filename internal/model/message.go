package model

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Pending Status = "pending"
	Sent    Status = "sent"
	Failed  Status = "failed"
)

const DefaultMaxRetries = 3

type Message struct {
	ID           uuid.UUID         `json:"id"`
	Service      Service           `json:"service"`
	Recipient    string            `json:"recipient"`
	Body         string            `json:"body"`
	Status       Status            `json:"status"`
	ExternalID   *string           `json:"externalId,omitempty"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RequestedBy  string            `json:"requestedBy"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Exhausted reports whether another retry would exceed MaxRetries.
func (m Message) Exhausted() bool {
	return m.RetryCount+1 > m.MaxRetries
}

// MessagePatch is a partial update. Nil fields are left untouched;
// ClearError wipes ErrorMessage.
type MessagePatch struct {
	Status       *Status
	ExternalID   *string
	ErrorMessage *string
	ClearError   bool
	RetryCount   *int
}

// MessageFilter selects messages for Count. Zero values match everything.
type MessageFilter struct {
	Status    Status
	Retryable bool
}

type QueueStats struct {
	PendingMessages   int64 `json:"pendingMessages"`
	FailedMessages    int64 `json:"failedMessages"`
	RetryableMessages int64 `json:"retryableMessages"`
}
