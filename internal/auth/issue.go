package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

const keyPrefix = "mgw_"

type KeySpec struct {
	Name        string
	Permissions []string
	RateLimit   int
	TTL         time.Duration
}

// IssueAPIKey stores a new key and returns the raw value. Only the hash is
// persisted, so the raw key cannot be recovered later.
func IssueAPIKey(ctx context.Context, keys repo.APIKeyRepository, spec KeySpec, now time.Time) (string, *repo.APIKey, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return "", nil, fmt.Errorf("key name is required")
	}
	if spec.RateLimit < 0 {
		return "", nil, fmt.Errorf("rate limit must be >= 0")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(secret)

	k := &repo.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyHash:     HashKey(raw),
		IsActive:    true,
		Permissions: spec.Permissions,
		RateLimit:   spec.RateLimit,
	}
	if spec.TTL > 0 {
		exp := now.Add(spec.TTL).UTC()
		k.ExpiresAt = &exp
	}
	if err := keys.Create(ctx, k); err != nil {
		return "", nil, fmt.Errorf("store key %s: %w", name, err)
	}
	return raw, k, nil
}
