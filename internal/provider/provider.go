// Package provider defines the capability contract every chat backend
// implements, along with the credential shapes and recipient formats the
// backends accept.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrNotConfigured      = errors.New("provider not configured")
	ErrNotConnected       = errors.New("provider not connected")
)

type ChallengeKind string

const (
	ChallengeCode     ChallengeKind = "code"
	ChallengePassword ChallengeKind = "password"
)

func ParseChallengeKind(raw string) (ChallengeKind, error) {
	switch ChallengeKind(raw) {
	case ChallengeCode, ChallengePassword:
		return ChallengeKind(raw), nil
	}
	return "", errors.New("unknown challenge kind " + raw)
}

// Prompter is handed to Connect so a provider can park its handshake on a
// human operator. RequestChallenge blocks until the operator answers, the
// handshake times out, or ctx is done. Notify reports intermediate sub-states.
type Prompter interface {
	RequestChallenge(ctx context.Context, kind ChallengeKind) (string, error)
	Notify(detail model.AuthenticatingDetail)
}

// Session is what a successful handshake leaves behind. Credentials, when
// non-nil, replaces the stored credential blob so a later process can
// reconnect without repeating the handshake.
type Session struct {
	Credentials json.RawMessage
}

type Provider interface {
	Service() model.Service
	// ValidateCredentials checks structure only and never touches the network.
	ValidateCredentials(raw json.RawMessage) error
	Configure(raw json.RawMessage) error
	Connect(ctx context.Context, p Prompter) (Session, error)
	Disconnect(ctx context.Context) error
	// Reset discards any session artifact cached by the provider or its bridge.
	Reset(ctx context.Context) error
	SendText(ctx context.Context, recipient, body string) (externalID string, err error)
}
