// Package connection drives one provider through its lifecycle:
// unconfigured → configured → authenticating → connected ⇄ disconnected.
//
// A Machine owns the provider client, persists every transition through the
// status repository and publishes it on the event bus. Interactive handshakes
// park on wait slots that an operator resolves with ProvideChallengeValue.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

var (
	ErrNotConfigured     = provider.ErrNotConfigured
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")
	ErrAuthTimeout       = errors.New("authentication timed out")
)

const (
	defaultHandshakeTimeout = 5 * time.Minute
	persistTimeout          = 5 * time.Second
)

type Option func(*Machine)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) {
		if p != nil {
			m.events = p
		}
	}
}

type Machine struct {
	p                provider.Provider
	status           repo.StatusRepository
	events           events.Publisher
	log              *slog.Logger
	handshakeTimeout time.Duration
	now              func() time.Time

	mu         sync.Mutex
	session    model.ProviderSession
	connecting bool
	attempt    uint64
	cancel     context.CancelFunc
	waits      map[provider.ChallengeKind]chan string

	stopReconnect atomic.Bool
}

func New(p provider.Provider, status repo.StatusRepository, opts ...Option) *Machine {
	m := &Machine{
		p:                p,
		status:           status,
		events:           events.Discard,
		log:              logging.Component("connection").With("service", p.Service()),
		handshakeTimeout: defaultHandshakeTimeout,
		now:              func() time.Time { return time.Now().UTC() },
		session:          model.ProviderSession{Service: p.Service(), State: model.Unconfigured},
		waits:            make(map[provider.ChallengeKind]chan string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Service() model.Service { return m.p.Service() }

// Configure validates and stores credentials. It never connects.
func (m *Machine) Configure(ctx context.Context, raw json.RawMessage) error {
	if err := m.p.ValidateCredentials(raw); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connecting {
		return ErrAlreadyConnecting
	}
	// Tear down first: Configure drops the provider's client handle.
	if m.session.State == model.Connected {
		if err := m.p.Disconnect(ctx); err != nil {
			m.log.Warn("teardown before reconfigure failed", "error", err)
		}
		m.session.State = model.Disconnected
		m.session.ConnectedSince = nil
	}
	if err := m.p.Configure(raw); err != nil {
		_ = m.commitLocked()
		return err
	}

	m.session.Credentials = append(json.RawMessage(nil), raw...)
	m.session.State = model.Configured
	m.session.Detail = nil
	m.session.ConnectedSince = nil
	m.session.LastError = ""
	return m.commitLocked()
}

// Connect runs the handshake and blocks until it ends. A second call while
// one is in flight fails fast with ErrAlreadyConnecting.
func (m *Machine) Connect(ctx context.Context) error {
	m.stopReconnect.Store(false)
	attempt, hsCtx, err := m.begin(ctx)
	if err != nil {
		return err
	}
	return m.run(attempt, hsCtx)
}

// ConnectAsync takes the connect guard and runs the handshake in the
// background on a context owned by the machine.
func (m *Machine) ConnectAsync() error {
	m.stopReconnect.Store(false)
	attempt, hsCtx, err := m.begin(context.Background())
	if err != nil {
		return err
	}
	go func() {
		if err := m.run(attempt, hsCtx); err != nil {
			m.log.Warn("handshake failed", "error", err)
		}
	}()
	return nil
}

func (m *Machine) begin(parent context.Context) (uint64, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State == model.Unconfigured || len(m.session.Credentials) == 0 {
		return 0, nil, ErrNotConfigured
	}
	if m.connecting {
		return 0, nil, ErrAlreadyConnecting
	}

	hsCtx, cancel := context.WithTimeout(parent, m.handshakeTimeout)
	m.connecting = true
	m.attempt++
	m.cancel = cancel
	m.session.State = model.Authenticating
	m.session.Detail = nil
	m.session.LastError = ""
	_ = m.commitLocked()

	return m.attempt, hsCtx, nil
}

func (m *Machine) run(attempt uint64, hsCtx context.Context) error {
	sess, err := m.p.Connect(hsCtx, &prompter{m: m, attempt: attempt})
	if err != nil && !errors.Is(err, ErrAuthTimeout) && errors.Is(hsCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrAuthTimeout, err)
	}

	m.mu.Lock()
	if attempt != m.attempt || !m.connecting {
		// Disconnect or reset took over; it already recorded the outcome.
		m.mu.Unlock()
		if err == nil {
			return context.Canceled
		}
		return err
	}
	m.endHandshakeLocked()

	if err != nil {
		m.session.State = model.Disconnected
		m.session.Detail = nil
		m.session.LastError = err.Error()
		_ = m.commitLocked()
		m.mu.Unlock()

		teardown, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if derr := m.p.Disconnect(teardown); derr != nil {
			m.log.Debug("teardown after failed handshake", "error", derr)
		}
		return err
	}

	if len(sess.Credentials) > 0 {
		m.session.Credentials = append(json.RawMessage(nil), sess.Credentials...)
	}
	now := m.now()
	m.session.State = model.Connected
	m.session.Detail = nil
	m.session.ConnectedSince = &now
	m.session.LastError = ""
	err = m.commitLocked()
	m.mu.Unlock()

	m.log.Info("connected")
	return err
}

func (m *Machine) endHandshakeLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.connecting = false
	for k := range m.waits {
		delete(m.waits, k)
	}
}

// ProvideChallengeValue resolves the outstanding wait of the given kind.
// Without one it only logs, so duplicate submissions are harmless.
func (m *Machine) ProvideChallengeValue(kind provider.ChallengeKind, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.waits[kind]
	if !ok {
		m.log.Warn("no pending challenge", "kind", kind)
		return nil
	}
	delete(m.waits, kind)
	ch <- value
	return nil
}

// Disconnect cancels any handshake, tears the client down and always ends in
// disconnected. Teardown errors are logged and kept as LastError.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	active := m.connecting || m.session.State == model.Connected
	if m.connecting {
		m.attempt++
		m.endHandshakeLocked()
	}
	attempt := m.attempt
	m.mu.Unlock()

	var teardownErr error
	if active {
		teardownErr = m.p.Disconnect(ctx)
		if teardownErr != nil {
			m.log.Warn("disconnect failed", "error", teardownErr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		// A connect started during teardown and owns the state now.
		return nil
	}
	if len(m.session.Credentials) == 0 {
		m.session.State = model.Unconfigured
	} else {
		m.session.State = model.Disconnected
	}
	m.session.Detail = nil
	m.session.ConnectedSince = nil
	if teardownErr != nil {
		m.session.LastError = teardownErr.Error()
	}
	return m.commitLocked()
}

// ForceReset drops the session and the credentials.
func (m *Machine) ForceReset(ctx context.Context) error {
	m.abortAndReset(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = model.ProviderSession{Service: m.p.Service(), State: model.Unconfigured}
	return m.commitLocked()
}

// NewSession drops the renewed session artifact but keeps the base
// credentials in storage. The provider must be configured again before the
// next connect.
func (m *Machine) NewSession(ctx context.Context) error {
	m.abortAndReset(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	base, err := provider.StripSession(m.p.Service(), m.session.Credentials)
	if err != nil {
		return err
	}
	m.session = model.ProviderSession{
		Service:     m.p.Service(),
		State:       model.Unconfigured,
		Credentials: base,
	}
	return m.commitLocked()
}

func (m *Machine) abortAndReset(ctx context.Context) {
	m.stopReconnect.Store(true)

	m.mu.Lock()
	if m.connecting {
		m.attempt++
		m.endHandshakeLocked()
	}
	m.mu.Unlock()

	if err := m.p.Disconnect(ctx); err != nil {
		m.log.Debug("disconnect before reset", "error", err)
	}
	if err := m.p.Reset(ctx); err != nil {
		m.log.Warn("provider reset failed", "error", err)
	}
}

func (m *Machine) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State == model.Connected
}

func (m *Machine) IsAuthenticating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

// CanAutoReconnect reports whether the stored credentials carry a session
// artifact the provider can resume without an operator.
func (m *Machine) CanAutoReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State == model.Unconfigured {
		return false
	}
	return provider.CanResume(m.p.Service(), m.session.Credentials)
}

// Session returns a copy of the current session without credentials.
func (m *Machine) Session() model.ProviderSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.Credentials = nil
	if s.Detail != nil {
		d := *s.Detail
		s.Detail = &d
	}
	return s
}

// SendText delivers through the provider when connected.
func (m *Machine) SendText(ctx context.Context, recipient, body string) (string, error) {
	if !m.IsConnected() {
		return "", provider.ErrNotConnected
	}
	return m.p.SendText(ctx, recipient, body)
}

func (m *Machine) StopReconnect() {
	m.stopReconnect.Store(true)
}

// Reconnect retries the handshake at boot with linear backoff. It gives up
// quietly when the stop flag is raised or the session cannot be resumed.
func (m *Machine) Reconnect(ctx context.Context, attempts int, backoff time.Duration) error {
	for i := 1; i <= attempts; i++ {
		if m.stopReconnect.Load() {
			m.log.Info("auto-reconnect stopped")
			return nil
		}
		if !m.CanAutoReconnect() {
			return nil
		}

		attempt, hsCtx, err := m.begin(ctx)
		if errors.Is(err, ErrAlreadyConnecting) {
			return nil
		}
		if err == nil {
			err = m.run(attempt, hsCtx)
		}
		if err == nil {
			return nil
		}
		m.log.Warn("auto-reconnect attempt failed", "attempt", i, "of", attempts, "error", err)

		if i == attempts {
			return fmt.Errorf("reconnect %s: gave up after %d attempts: %w", m.p.Service(), attempts, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return nil
}

// Restore loads the persisted session at boot. A session that was live when
// the process stopped comes back as disconnected.
func (m *Machine) Restore(ctx context.Context) error {
	stored, err := m.status.GetStatus(ctx, m.p.Service())
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", m.p.Service(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := model.ProviderSession{
		Service:     m.p.Service(),
		State:       stored.State,
		Credentials: stored.Credentials,
		LastError:   stored.LastError,
	}
	switch {
	case len(s.Credentials) == 0:
		s.State = model.Unconfigured
		s.Credentials = nil
	case s.State == model.Connected || s.State == model.Authenticating:
		s.State = model.Disconnected
	}

	if s.State != model.Unconfigured {
		if err := m.p.Configure(s.Credentials); err != nil {
			m.log.Warn("stored credentials rejected", "error", err)
			s.State = model.Unconfigured
			s.LastError = err.Error()
		}
	}

	m.session = s
	return m.commitLocked()
}

func (m *Machine) commitLocked() error {
	m.session.UpdatedAt = m.now()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.status.SetStatus(ctx, m.session)
	if err != nil {
		m.log.Error("persist status failed", "state", m.session.State, "error", err)
	}

	e := events.Event{
		Type:    events.StatusChanged,
		Service: m.session.Service,
		State:   m.session.StateLabel(),
		Message: m.session.LastError,
	}
	if m.session.Detail != nil {
		d := *m.session.Detail
		e.Detail = &d
	}
	m.events.Publish(e)
	return err
}

func (m *Machine) notify(attempt uint64, detail model.AuthenticatingDetail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if attempt != m.attempt || !m.connecting {
		return
	}

	m.session.Detail = &detail
	_ = m.commitLocked()

	if detail.QRCode != "" {
		d := detail
		m.events.Publish(events.Event{Type: events.QRCode, Service: m.session.Service, State: string(detail.Step), Detail: &d})
	}
}

func (m *Machine) requestChallenge(ctx context.Context, attempt uint64, kind provider.ChallengeKind) (string, error) {
	m.mu.Lock()
	if attempt != m.attempt || !m.connecting {
		m.mu.Unlock()
		return "", context.Canceled
	}

	ch := make(chan string, 1)
	m.waits[kind] = ch

	step, evType := model.AwaitingCode, events.CodeRequired
	if kind == provider.ChallengePassword {
		step, evType = model.AwaitingPassword, events.PasswordRequired
	}
	if m.session.Detail == nil || m.session.Detail.Step != step {
		m.session.Detail = &model.AuthenticatingDetail{Step: step}
		_ = m.commitLocked()
	}
	d := *m.session.Detail
	m.events.Publish(events.Event{Type: evType, Service: m.session.Service, State: string(step), Detail: &d})
	m.mu.Unlock()

	m.log.Info("waiting for challenge value", "kind", kind)

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		m.mu.Lock()
		if m.waits[kind] == ch {
			delete(m.waits, kind)
		}
		m.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrAuthTimeout
		}
		return "", ctx.Err()
	}
}

type prompter struct {
	m       *Machine
	attempt uint64
}

func (p *prompter) RequestChallenge(ctx context.Context, kind provider.ChallengeKind) (string, error) {
	return p.m.requestChallenge(ctx, p.attempt, kind)
}

func (p *prompter) Notify(detail model.AuthenticatingDetail) {
	p.m.notify(p.attempt, detail)
}
