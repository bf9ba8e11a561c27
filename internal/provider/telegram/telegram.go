// Package telegram drives a Telegram user session through a TDLib-style REST
// sidecar. Login walks phone confirmation, a one-time code and, for accounts
// with two-step verification, a password. A successful login yields a session
// string that can be replayed later to skip the dialogue.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/LeventeLantos/messaging-gateway/internal/client"
	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
)

const (
	stateWaitPhone    = "wait_phone_confirmation"
	stateWaitCode     = "wait_code"
	stateWaitPassword = "wait_password"
	stateReady        = "ready"
)

// maxAuthSteps bounds the dialogue so a misbehaving sidecar cannot loop us.
const maxAuthSteps = 8

var ErrUnexpectedState = errors.New("unexpected authorization state")

type Provider struct {
	httpClient *http.Client
	log        *slog.Logger

	mu     sync.Mutex
	creds  provider.TelegramCredentials
	ready  bool
	bridge *client.BridgeClient
}

var _ provider.Provider = (*Provider)(nil)

func New(httpClient *http.Client) *Provider {
	return &Provider{
		httpClient: httpClient,
		log:        logging.Component(string(model.Telegram)),
	}
}

func (p *Provider) Service() model.Service { return model.Telegram }

func (p *Provider) ValidateCredentials(raw json.RawMessage) error {
	_, err := provider.ParseTelegramCredentials(raw)
	return err
}

func (p *Provider) Configure(raw json.RawMessage) error {
	c, err := provider.ParseTelegramCredentials(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = c
	p.ready = true
	p.bridge = nil
	return nil
}

type startRequest struct {
	APIID         int64  `json:"api_id"`
	APIHash       string `json:"api_hash"`
	Phone         string `json:"phone"`
	SessionString string `json:"session_string,omitempty"`
}

type authState struct {
	State         string `json:"state"`
	PasswordHint  string `json:"password_hint,omitempty"`
	SessionString string `json:"session_string,omitempty"`
}

type sendRequest struct {
	Chat string `json:"chat"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID int64 `json:"message_id"`
}

func (p *Provider) newBridge(creds provider.TelegramCredentials) *client.BridgeClient {
	opts := []client.Option{client.WithHeader("X-Phone", creds.Phone)}
	if p.httpClient != nil {
		opts = append(opts, client.WithHTTPClient(p.httpClient))
	}
	return client.NewBridgeClient(creds.BridgeURL, opts...)
}

// Connect runs the login dialogue. Each challenge blocks in pr until the
// operator supplies the value or the handshake deadline passes.
func (p *Provider) Connect(ctx context.Context, pr provider.Prompter) (provider.Session, error) {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return provider.Session{}, provider.ErrNotConfigured
	}
	creds := p.creds
	p.mu.Unlock()

	bridge := p.newBridge(creds)

	pr.Notify(model.AuthenticatingDetail{Step: model.AwaitingPhoneConfirmation, Hint: creds.Phone})

	var st authState
	err := bridge.Do(ctx, http.MethodPost, "/auth/start", startRequest{
		APIID:         creds.APIID,
		APIHash:       creds.APIHash,
		Phone:         creds.Phone,
		SessionString: creds.SessionString,
	}, &st)
	if err != nil {
		return provider.Session{}, fmt.Errorf("start authorization: %w", err)
	}

	for step := 0; step < maxAuthSteps; step++ {
		switch st.State {
		case stateReady:
			return p.finishConnect(bridge, creds, st.SessionString)

		case stateWaitPhone:
			// Sidecar is still dialing the phone number; poll again.
			if err := bridge.Do(ctx, http.MethodGet, "/auth/state", nil, &st); err != nil {
				return provider.Session{}, fmt.Errorf("poll authorization state: %w", err)
			}

		case stateWaitCode:
			pr.Notify(model.AuthenticatingDetail{Step: model.AwaitingCode})
			code, err := pr.RequestChallenge(ctx, provider.ChallengeCode)
			if err != nil {
				return provider.Session{}, err
			}
			if err := bridge.Do(ctx, http.MethodPost, "/auth/code", map[string]string{"code": code}, &st); err != nil {
				return provider.Session{}, fmt.Errorf("submit code: %w", err)
			}

		case stateWaitPassword:
			pr.Notify(model.AuthenticatingDetail{Step: model.AwaitingPassword, Hint: st.PasswordHint})
			password, err := pr.RequestChallenge(ctx, provider.ChallengePassword)
			if err != nil {
				return provider.Session{}, err
			}
			if err := bridge.Do(ctx, http.MethodPost, "/auth/password", map[string]string{"password": password}, &st); err != nil {
				return provider.Session{}, fmt.Errorf("submit password: %w", err)
			}

		default:
			return provider.Session{}, fmt.Errorf("%w: %q", ErrUnexpectedState, st.State)
		}
	}
	return provider.Session{}, fmt.Errorf("%w: authorization did not complete after %d steps", ErrUnexpectedState, maxAuthSteps)
}

func (p *Provider) finishConnect(bridge *client.BridgeClient, creds provider.TelegramCredentials, sessionString string) (provider.Session, error) {
	var sess provider.Session
	if sessionString != "" && sessionString != creds.SessionString {
		creds.SessionString = sessionString
		raw, err := json.Marshal(creds)
		if err != nil {
			return provider.Session{}, err
		}
		sess.Credentials = raw
	}

	p.mu.Lock()
	p.creds = creds
	p.bridge = bridge
	p.mu.Unlock()

	p.log.Info("telegram session authorized", "resumed", sess.Credentials == nil)
	return sess, nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	bridge := p.bridge
	p.bridge = nil
	p.mu.Unlock()

	if bridge == nil {
		return nil
	}
	return bridge.Do(ctx, http.MethodPost, "/auth/close", nil, nil)
}

// Reset terminates the remote authorization and forgets the session string.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	creds, ready := p.creds, p.ready
	p.bridge = nil
	p.creds.SessionString = ""
	p.mu.Unlock()

	if !ready {
		return nil
	}
	return p.newBridge(creds).Do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

func (p *Provider) SendText(ctx context.Context, recipient, body string) (string, error) {
	p.mu.Lock()
	bridge := p.bridge
	p.mu.Unlock()

	if bridge == nil {
		return "", provider.ErrNotConnected
	}

	var resp sendResponse
	if err := bridge.Do(ctx, http.MethodPost, "/messages/send", sendRequest{Chat: recipient, Text: body}, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == 0 {
		return "", errors.New("missing message_id in sidecar response")
	}
	return strconv.FormatInt(resp.MessageID, 10), nil
}
