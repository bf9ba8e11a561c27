package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

const reasonNotConnected = "provider not connected"

// Deliverer is the slice of a connection machine the pipeline needs.
type Deliverer interface {
	IsConnected() bool
	SendText(ctx context.Context, recipient, body string) (externalID string, err error)
}

type DelivererSet map[model.Service]Deliverer

type SendRequest struct {
	Service   model.Service
	Recipient string
	Body      string
	Metadata  map[string]string
	Identity  model.Identity
}

type SendResult struct {
	Success    bool      `json:"success"`
	MessageID  uuid.UUID `json:"messageId"`
	ExternalID string    `json:"externalId,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sender records every message before any network I/O and settles it with
// exactly one update.
type Sender struct {
	messages   repo.MessageRepository
	deliverers DelivererSet
	contentMax int
	maxRetries int
	events     events.Publisher
	log        *slog.Logger

	onSent   func(ctx context.Context, id uuid.UUID, externalID string) error
	onFailed func(ctx context.Context, id uuid.UUID, reason string) error
}

func NewSender(messages repo.MessageRepository, deliverers DelivererSet, contentMax, maxRetries int) *Sender {
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	return &Sender{
		messages:   messages,
		deliverers: deliverers,
		contentMax: contentMax,
		maxRetries: maxRetries,
		events:     events.Discard,
		log:        logging.Component("sender"),
	}
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, id uuid.UUID, externalID string) error,
	onFailed func(ctx context.Context, id uuid.UUID, reason string) error,
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

func (s *Sender) WithPublisher(p events.Publisher) *Sender {
	if p != nil {
		s.events = p
	}
	return s
}

// Send creates the message as pending, then attempts delivery. A repository
// failure on create is the only error return; delivery problems come back as
// an unsuccessful result.
func (s *Sender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	m := &model.Message{
		ID:          uuid.New(),
		Service:     req.Service,
		Recipient:   req.Recipient,
		Body:        req.Body,
		Status:      model.Pending,
		MaxRetries:  s.maxRetries,
		Metadata:    req.Metadata,
		RequestedBy: req.Identity.RequestedBy(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return SendResult{}, fmt.Errorf("create message: %w", err)
	}
	return s.deliver(ctx, *m), nil
}

// Redeliver claims messages re-armed by the retry sweep and sends them again
// on their existing records.
func (s *Sender) Redeliver(ctx context.Context, limit int, lease time.Duration) (sent int, failed int, err error) {
	msgs, err := s.messages.ClaimRedeliverable(ctx, limit, lease)
	if err != nil {
		return 0, 0, fmt.Errorf("claim redeliverable: %w", err)
	}
	sent, failed = s.ProcessBatch(ctx, msgs)
	return sent, failed, nil
}

func (s *Sender) ProcessBatch(ctx context.Context, msgs []model.Message) (sent int, failed int) {
	for _, m := range msgs {
		if s.deliver(ctx, m).Success {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

func (s *Sender) deliver(ctx context.Context, m model.Message) SendResult {
	d, ok := s.deliverers[m.Service]
	if !ok || !d.IsConnected() {
		return s.fail(ctx, m, reasonNotConnected)
	}
	if s.contentMax > 0 && utf8.RuneCountInString(m.Body) > s.contentMax {
		return s.fail(ctx, m, fmt.Sprintf("content exceeds %d chars", s.contentMax))
	}

	externalID, err := d.SendText(ctx, m.Recipient, m.Body)
	if errors.Is(err, provider.ErrNotConnected) {
		return s.fail(ctx, m, reasonNotConnected)
	}
	if err != nil {
		return s.fail(ctx, m, err.Error())
	}

	status := model.Sent
	patch := model.MessagePatch{Status: &status, ExternalID: &externalID}
	if m.ErrorMessage != nil {
		patch.ClearError = true
	}
	if err := s.messages.UpdateByID(ctx, m.ID, patch); err != nil {
		s.log.Error("mark sent failed", "id", m.ID, "error", err)
	}
	if s.onSent != nil {
		if err := s.onSent(ctx, m.ID, externalID); err != nil {
			s.log.Warn("sent hook failed", "id", m.ID, "error", err)
		}
	}
	s.events.Publish(events.Event{Type: events.MessageSent, Service: m.Service, Message: m.ID.String()})

	return SendResult{Success: true, MessageID: m.ID, ExternalID: externalID}
}

func (s *Sender) fail(ctx context.Context, m model.Message, reason string) SendResult {
	status := model.Failed
	if err := s.messages.UpdateByID(ctx, m.ID, model.MessagePatch{Status: &status, ErrorMessage: &reason}); err != nil {
		s.log.Error("mark failed failed", "id", m.ID, "error", err)
	}
	if s.onFailed != nil {
		if err := s.onFailed(ctx, m.ID, reason); err != nil {
			s.log.Warn("failed hook failed", "id", m.ID, "error", err)
		}
	}
	s.log.Info("message failed", "id", m.ID, "service", m.Service, "reason", reason)
	s.events.Publish(events.Event{Type: events.MessageFailed, Service: m.Service, Message: m.ID.String() + ": " + reason})

	return SendResult{Success: false, MessageID: m.ID, Error: reason}
}
