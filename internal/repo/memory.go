package repo

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// MemoryMessageRepo keeps messages in a map. Used by tests and by local runs
// that do not need durability.
type MemoryMessageRepo struct {
	mu      sync.Mutex
	now     func() time.Time
	msgs    map[uuid.UUID]model.Message
	claimed map[uuid.UUID]time.Time
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		now:     func() time.Time { return time.Now().UTC() },
		msgs:    make(map[uuid.UUID]model.Message),
		claimed: make(map[uuid.UUID]time.Time),
	}
}

// SetClock replaces the time source.
func (r *MemoryMessageRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Put stores m as is, timestamps included.
func (r *MemoryMessageRepo) Put(m model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[m.ID] = cloneMessage(m)
}

func (r *MemoryMessageRepo) Create(_ context.Context, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if _, ok := r.msgs[m.ID]; ok {
		return errors.New("duplicate message id")
	}
	now := r.now()
	m.CreatedAt = now
	m.UpdatedAt = now
	r.msgs[m.ID] = cloneMessage(*m)
	return nil
}

func (r *MemoryMessageRepo) UpdateByID(_ context.Context, id uuid.UUID, patch model.MessagePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.ExternalID != nil {
		s := *patch.ExternalID
		m.ExternalID = &s
	}
	if patch.ClearError {
		m.ErrorMessage = nil
	} else if patch.ErrorMessage != nil {
		s := *patch.ErrorMessage
		m.ErrorMessage = &s
	}
	if patch.RetryCount != nil {
		if *patch.RetryCount > m.MaxRetries {
			return errors.New("retry_count exceeds max_retries")
		}
		m.RetryCount = *patch.RetryCount
	}
	m.UpdatedAt = r.now()
	r.msgs[id] = m
	return nil
}

func (r *MemoryMessageRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return nil, nil
	}
	c := cloneMessage(m)
	return &c, nil
}

func (r *MemoryMessageRepo) FindFailedForRetry(_ context.Context, staleFor time.Duration, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-staleFor)
	out := r.selectLocked(func(m model.Message) bool {
		return m.Status == model.Failed && !m.CreatedAt.After(cutoff) && m.RetryCount < m.MaxRetries
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) ClaimRedeliverable(_ context.Context, limit int, lease time.Duration) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-lease)
	out := r.selectLocked(func(m model.Message) bool {
		if m.Status != model.Pending {
			return false
		}
		if m.RetryCount == 0 && !m.UpdatedAt.Before(cutoff) {
			return false
		}
		at, ok := r.claimed[m.ID]
		return !ok || at.Before(cutoff)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	for _, m := range out {
		r.claimed[m.ID] = now
	}
	return out, nil
}

func (r *MemoryMessageRepo) Count(_ context.Context, f model.MessageFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, m := range r.msgs {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Retryable && m.RetryCount >= m.MaxRetries {
			continue
		}
		n++
	}
	return n, nil
}

func (r *MemoryMessageRepo) ListSent(_ context.Context, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.selectLocked(func(m model.Message) bool { return m.Status == model.Sent })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) selectLocked(keep func(model.Message) bool) []model.Message {
	var out []model.Message
	for _, m := range r.msgs {
		if keep(m) {
			out = append(out, cloneMessage(m))
		}
	}
	return out
}

func cloneMessage(m model.Message) model.Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	if m.ExternalID != nil {
		s := *m.ExternalID
		m.ExternalID = &s
	}
	if m.ErrorMessage != nil {
		s := *m.ErrorMessage
		m.ErrorMessage = &s
	}
	return m
}

type MemoryStatusRepo struct {
	mu       sync.Mutex
	sessions map[model.Service]model.ProviderSession
}

func NewMemoryStatusRepo() *MemoryStatusRepo {
	return &MemoryStatusRepo{sessions: make(map[model.Service]model.ProviderSession)}
}

func (r *MemoryStatusRepo) SetStatus(_ context.Context, s model.ProviderSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	if s.Credentials != nil {
		s.Credentials = append(json.RawMessage(nil), s.Credentials...)
	}
	r.sessions[s.Service] = s
	return nil
}

func (r *MemoryStatusRepo) GetStatus(_ context.Context, service model.Service) (*model.ProviderSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[service]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryStatusRepo) GetCredentials(_ context.Context, service model.Service) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[service]
	if !ok || len(s.Credentials) == 0 {
		return nil, nil
	}
	return append(json.RawMessage(nil), s.Credentials...), nil
}

type MemoryAPIKeyRepo struct {
	mu     sync.Mutex
	byHash map[string]APIKey
}

func NewMemoryAPIKeyRepo() *MemoryAPIKeyRepo {
	return &MemoryAPIKeyRepo{byHash: make(map[string]APIKey)}
}

func (r *MemoryAPIKeyRepo) FindByHash(_ context.Context, hash string) (*APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (r *MemoryAPIKeyRepo) Create(_ context.Context, k *APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHash[k.KeyHash]; ok {
		return errors.New("duplicate api key")
	}
	k.CreatedAt = time.Now().UTC()
	r.byHash[k.KeyHash] = *k
	return nil
}
