package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
)

type fakeSidecar struct {
	srv       *httptest.Server
	twoFactor bool

	mu    sync.Mutex
	paths []string
	sends []map[string]string
}

func newFakeSidecar(t *testing.T, twoFactor bool) *fakeSidecar {
	t.Helper()
	f := &fakeSidecar{twoFactor: twoFactor}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSidecar) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var in map[string]any
	_ = json.Unmarshal(body, &in)

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	write := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case "/auth/start":
		if in["session_string"] == "sess-1" {
			write(map[string]any{"state": "ready", "session_string": "sess-1"})
			return
		}
		write(map[string]any{"state": "wait_phone_confirmation"})
	case "/auth/state":
		write(map[string]any{"state": "wait_code"})
	case "/auth/code":
		if in["code"] != "12345" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"PHONE_CODE_INVALID"}`))
			return
		}
		if f.twoFactor {
			write(map[string]any{"state": "wait_password", "password_hint": "pet name"})
			return
		}
		write(map[string]any{"state": "ready", "session_string": "sess-1"})
	case "/auth/password":
		if in["password"] != "hunter2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		write(map[string]any{"state": "ready", "session_string": "sess-1"})
	case "/messages/send":
		f.mu.Lock()
		f.sends = append(f.sends, map[string]string{"chat": in["chat"].(string), "text": in["text"].(string)})
		f.mu.Unlock()
		write(map[string]any{"message_id": 777})
	case "/auth/close", "/auth/logout":
		write(map[string]any{"ok": true})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSidecar) credentials(session string) json.RawMessage {
	c := provider.TelegramCredentials{
		BridgeURL:     f.srv.URL,
		APIID:         12345,
		APIHash:       "0123456789abcdef0123456789abcdef",
		Phone:         "+15551234567",
		SessionString: session,
	}
	b, _ := json.Marshal(c)
	return b
}

type scriptedPrompter struct {
	answers map[provider.ChallengeKind]string

	mu    sync.Mutex
	steps []model.AuthStep
	asked []provider.ChallengeKind
}

func (s *scriptedPrompter) RequestChallenge(ctx context.Context, kind provider.ChallengeKind) (string, error) {
	s.mu.Lock()
	s.asked = append(s.asked, kind)
	s.mu.Unlock()
	v, ok := s.answers[kind]
	if !ok {
		return "", errors.New("no answer")
	}
	return v, nil
}

func (s *scriptedPrompter) Notify(d model.AuthenticatingDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, d.Step)
}

func TestConnect_CodeOnly(t *testing.T) {
	t.Parallel()

	side := newFakeSidecar(t, false)
	p := New(nil)
	if err := p.Configure(side.credentials("")); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	pr := &scriptedPrompter{answers: map[provider.ChallengeKind]string{provider.ChallengeCode: "12345"}}
	sess, err := p.Connect(context.Background(), pr)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	want := []model.AuthStep{model.AwaitingPhoneConfirmation, model.AwaitingCode}
	if len(pr.steps) != len(want) || pr.steps[0] != want[0] || pr.steps[1] != want[1] {
		t.Fatalf("unexpected steps: %v", pr.steps)
	}

	creds, err := provider.ParseTelegramCredentials(sess.Credentials)
	if err != nil {
		t.Fatalf("expected renewed credentials, got %v", err)
	}
	if creds.SessionString != "sess-1" {
		t.Fatalf("expected session string to be persisted, got %q", creds.SessionString)
	}
}

func TestConnect_CodeAndPassword(t *testing.T) {
	t.Parallel()

	side := newFakeSidecar(t, true)
	p := New(nil)
	if err := p.Configure(side.credentials("")); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	pr := &scriptedPrompter{answers: map[provider.ChallengeKind]string{
		provider.ChallengeCode:     "12345",
		provider.ChallengePassword: "hunter2",
	}}
	if _, err := p.Connect(context.Background(), pr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if len(pr.asked) != 2 || pr.asked[1] != provider.ChallengePassword {
		t.Fatalf("expected code then password challenge, got %v", pr.asked)
	}
}

func TestConnect_WrongCodeFails(t *testing.T) {
	t.Parallel()

	side := newFakeSidecar(t, false)
	p := New(nil)
	if err := p.Configure(side.credentials("")); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	pr := &scriptedPrompter{answers: map[provider.ChallengeKind]string{provider.ChallengeCode: "00000"}}
	if _, err := p.Connect(context.Background(), pr); err == nil {
		t.Fatalf("expected error for wrong code")
	}

	if _, err := p.SendText(context.Background(), "@someone", "hi"); !errors.Is(err, provider.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after failed handshake, got %v", err)
	}
}

func TestConnect_ReplaysSessionString(t *testing.T) {
	t.Parallel()

	side := newFakeSidecar(t, false)
	p := New(nil)
	if err := p.Configure(side.credentials("sess-1")); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	pr := &scriptedPrompter{}
	sess, err := p.Connect(context.Background(), pr)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if len(pr.asked) != 0 {
		t.Fatalf("expected no challenges on replay, got %v", pr.asked)
	}
	if sess.Credentials != nil {
		t.Fatalf("expected no credential refresh when session string is unchanged")
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	side := newFakeSidecar(t, false)
	p := New(nil)
	if err := p.Configure(side.credentials("sess-1")); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if _, err := p.Connect(context.Background(), &scriptedPrompter{}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	id, err := p.SendText(context.Background(), "@someone", "hello")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "777" {
		t.Fatalf("expected id 777, got %q", id)
	}

	side.mu.Lock()
	defer side.mu.Unlock()
	if len(side.sends) != 1 || side.sends[0]["chat"] != "@someone" {
		t.Fatalf("unexpected sends: %v", side.sends)
	}
}
