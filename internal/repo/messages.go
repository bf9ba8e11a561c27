package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

var ErrNotFound = errors.New("not found")

type MessageRepository interface {
	// Create inserts m and fills in its timestamps.
	Create(ctx context.Context, m *model.Message) error
	UpdateByID(ctx context.Context, id uuid.UUID, patch model.MessagePatch) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error)
	// FindFailedForRetry returns failed messages created at least staleFor ago
	// that still have retries left, oldest first.
	FindFailedForRetry(ctx context.Context, staleFor time.Duration, limit int) ([]model.Message, error)
	// ClaimRedeliverable returns pending messages re-armed by a retry sweep
	// and not claimed within the last lease.
	ClaimRedeliverable(ctx context.Context, limit int, lease time.Duration) ([]model.Message, error)
	Count(ctx context.Context, f model.MessageFilter) (int64, error)
	ListSent(ctx context.Context, limit, offset int) ([]model.Message, error)
}

type StatusRepository interface {
	SetStatus(ctx context.Context, s model.ProviderSession) error
	GetStatus(ctx context.Context, service model.Service) (*model.ProviderSession, error)
	// GetCredentials returns nil when nothing is stored.
	GetCredentials(ctx context.Context, service model.Service) (json.RawMessage, error)
}

type APIKey struct {
	ID          string
	Name        string
	KeyHash     string
	IsActive    bool
	ExpiresAt   *time.Time
	Permissions []string
	RateLimit   int
	CreatedAt   time.Time
}

type APIKeyRepository interface {
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
	Create(ctx context.Context, k *APIKey) error
}
