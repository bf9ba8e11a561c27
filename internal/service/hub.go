package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/LeventeLantos/messaging-gateway/internal/connection"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownAction  = errors.New("unknown action")
)

type Action string

const (
	ActionConnect         Action = "connect"
	ActionDisconnect      Action = "disconnect"
	ActionReset           Action = "reset"
	ActionNewSession      Action = "new-session"
	ActionStopReconnect   Action = "stop-reconnect"
	ActionProvideCode     Action = "provide-code"
	ActionProvidePassword Action = "provide-password"
)

type StatsSource interface {
	Stats(ctx context.Context) (model.QueueStats, error)
}

type StatusReport struct {
	Sessions []model.ProviderSession `json:"sessions"`
	Queue    model.QueueStats        `json:"queue"`
}

// Hub is the outward face of the gateway: send, connection control and
// status, all keyed by service.
type Hub struct {
	machines *connection.Registry
	sender   *Sender
	stats    StatsSource
}

func NewHub(machines *connection.Registry, sender *Sender, stats StatsSource) *Hub {
	return &Hub{machines: machines, sender: sender, stats: stats}
}

// Send normalizes the recipient for the target service and hands the request
// to the pipeline.
func (h *Hub) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if _, err := h.machines.Get(req.Service); err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Body) == "" {
		return SendResult{}, fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}
	recipient, err := provider.NormalizeRecipient(req.Service, req.Recipient)
	if err != nil {
		return SendResult{}, err
	}
	req.Recipient = recipient
	return h.sender.Send(ctx, req)
}

func (h *Hub) Configure(ctx context.Context, service model.Service, raw json.RawMessage) error {
	m, err := h.machines.Get(service)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return m.Configure(ctx, raw)
}

// Control applies a connection action. Connect returns once the handshake
// has started; progress is reported through status and events.
func (h *Hub) Control(ctx context.Context, service model.Service, action Action, value string) error {
	m, err := h.machines.Get(service)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch action {
	case ActionConnect:
		return m.ConnectAsync()
	case ActionDisconnect:
		return m.Disconnect(ctx)
	case ActionReset:
		return m.ForceReset(ctx)
	case ActionNewSession:
		return m.NewSession(ctx)
	case ActionStopReconnect:
		m.StopReconnect()
		return nil
	case ActionProvideCode, ActionProvidePassword:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: value is required", ErrInvalidRequest)
		}
		kind := provider.ChallengeCode
		if action == ActionProvidePassword {
			kind = provider.ChallengePassword
		}
		return m.ProvideChallengeValue(kind, strings.TrimSpace(value))
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (h *Hub) Session(service model.Service) (model.ProviderSession, error) {
	m, err := h.machines.Get(service)
	if err != nil {
		return model.ProviderSession{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return m.Session(), nil
}

func (h *Hub) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	for _, m := range h.machines.All() {
		report.Sessions = append(report.Sessions, m.Session())
	}
	if h.stats != nil {
		q, err := h.stats.Stats(ctx)
		if err != nil {
			return report, fmt.Errorf("queue stats: %w", err)
		}
		report.Queue = q
	}
	return report, nil
}
