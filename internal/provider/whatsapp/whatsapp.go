// Package whatsapp drives a WhatsApp web-client session through a REST
// bridge. Pairing is QR based: the bridge exposes the code to scan and
// reports once the phone confirmed it.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/LeventeLantos/messaging-gateway/internal/client"
	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
)

const defaultPollInterval = 2 * time.Second

type Provider struct {
	pollInterval time.Duration
	httpClient   *http.Client
	log          *slog.Logger

	mu     sync.Mutex
	creds  provider.WhatsAppCredentials
	ready  bool
	bridge *client.BridgeClient
}

var _ provider.Provider = (*Provider)(nil)

type Option func(*Provider)

func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		pollInterval: defaultPollInterval,
		log:          logging.Component(string(model.WhatsApp)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Service() model.Service { return model.WhatsApp }

func (p *Provider) ValidateCredentials(raw json.RawMessage) error {
	_, err := provider.ParseWhatsAppCredentials(raw)
	return err
}

func (p *Provider) Configure(raw json.RawMessage) error {
	c, err := provider.ParseWhatsAppCredentials(raw)
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

type envelope[T any] struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

type statusData struct {
	Connected bool   `json:"Connected"`
	LoggedIn  bool   `json:"LoggedIn"`
	JID       string `json:"Jid"`
}

type qrData struct {
	QRCode string `json:"QRCode"`
}

type sendData struct {
	ID string `json:"Id"`
}

type connectRequest struct {
	Subscribe []string `json:"Subscribe"`
	Immediate bool     `json:"Immediate"`
}

type sendTextRequest struct {
	Phone string `json:"Phone"`
	Body  string `json:"Body"`
}

// Connect opens the bridge session and waits for the phone to confirm the
// pairing, surfacing every new QR code through pr. The wait ends when ctx
// is done.
func (p *Provider) Connect(ctx context.Context, pr provider.Prompter) (provider.Session, error) {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return provider.Session{}, provider.ErrNotConfigured
	}
	creds := p.creds
	opts := []client.Option{client.WithHeader("Token", creds.Token)}
	if p.httpClient != nil {
		opts = append(opts, client.WithHTTPClient(p.httpClient))
	}
	bridge := client.NewBridgeClient(creds.BridgeURL, opts...)
	p.mu.Unlock()

	err := bridge.Do(ctx, http.MethodPost, "/session/connect", connectRequest{
		Subscribe: []string{"Message"},
		Immediate: true,
	}, nil)
	if err != nil {
		return provider.Session{}, fmt.Errorf("open bridge session: %w", err)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastCode string
	for {
		var st envelope[statusData]
		if err := bridge.Do(ctx, http.MethodGet, "/session/status", nil, &st); err != nil {
			return provider.Session{}, fmt.Errorf("query session status: %w", err)
		}
		if st.Data.LoggedIn {
			return p.finishConnect(bridge, creds, st.Data.JID)
		}

		var qr envelope[qrData]
		if err := bridge.Do(ctx, http.MethodGet, "/session/qr", nil, &qr); err != nil {
			p.log.Debug("qr code not available yet", "error", err)
		} else if code := qr.Data.QRCode; code != "" && code != lastCode {
			lastCode = code
			pr.Notify(model.AuthenticatingDetail{Step: model.AwaitingScan, QRCode: code})
		}

		select {
		case <-ctx.Done():
			return provider.Session{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) finishConnect(bridge *client.BridgeClient, creds provider.WhatsAppCredentials, jid string) (provider.Session, error) {
	if jid == "" {
		jid = "paired"
	}
	creds.SessionToken = jid

	raw, err := json.Marshal(creds)
	if err != nil {
		return provider.Session{}, err
	}

	p.mu.Lock()
	p.creds = creds
	p.bridge = bridge
	p.mu.Unlock()

	p.log.Info("whatsapp session paired", "jid", jid)
	return provider.Session{Credentials: raw}, nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	bridge := p.bridge
	p.bridge = nil
	p.mu.Unlock()

	if bridge == nil {
		return nil
	}
	return bridge.Do(ctx, http.MethodPost, "/session/disconnect", nil, nil)
}

// Reset logs the paired device out of the bridge so the next connect starts
// from a fresh QR code.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	creds, ready := p.creds, p.ready
	p.bridge = nil
	p.creds.SessionToken = ""
	p.mu.Unlock()

	if !ready {
		return nil
	}
	bridge := client.NewBridgeClient(creds.BridgeURL, client.WithHeader("Token", creds.Token))
	err := bridge.Do(ctx, http.MethodPost, "/session/logout", nil, nil)
	var se *client.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *Provider) SendText(ctx context.Context, recipient, body string) (string, error) {
	p.mu.Lock()
	bridge := p.bridge
	p.mu.Unlock()

	if bridge == nil {
		return "", provider.ErrNotConnected
	}

	var resp envelope[sendData]
	err := bridge.Do(ctx, http.MethodPost, "/chat/send/text", sendTextRequest{
		Phone: strings.TrimPrefix(recipient, "+"),
		Body:  body,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", errors.New("missing message id in bridge response")
	}
	return resp.Data.ID, nil
}

// RenderQR encodes a pairing code as a PNG the operator can scan.
func RenderQR(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
