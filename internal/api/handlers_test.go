package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/LeventeLantos/messaging-gateway/internal/auth"
	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/connection"
	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/retry"
	"github.com/LeventeLantos/messaging-gateway/internal/scheduler"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

type fakeRepo struct {
	*repo.MemoryMessageRepo

	gotLimit  int
	gotOffset int

	items []model.Message
	err   error
}

func (f *fakeRepo) ListSent(ctx context.Context, limit, offset int) ([]model.Message, error) {
	f.gotLimit = limit
	f.gotOffset = offset
	return f.items, f.err
}

// echoProvider connects immediately and echoes the recipient as external id.
type echoProvider struct{}

func (echoProvider) Service() model.Service { return model.WhatsApp }

func (echoProvider) ValidateCredentials(raw json.RawMessage) error {
	_, err := provider.ParseWhatsAppCredentials(raw)
	return err
}

func (echoProvider) Configure(json.RawMessage) error  { return nil }
func (echoProvider) Disconnect(context.Context) error { return nil }
func (echoProvider) Reset(context.Context) error      { return nil }

func (echoProvider) Connect(context.Context, provider.Prompter) (provider.Session, error) {
	return provider.Session{}, nil
}

func (echoProvider) SendText(_ context.Context, recipient, _ string) (string, error) {
	return "wamid-" + recipient, nil
}

type stubReceipts map[uuid.UUID]cache.SentRecord

func (s stubReceipts) LookupSent(_ context.Context, id uuid.UUID) (cache.SentRecord, bool, error) {
	rec, ok := s[id]
	return rec, ok, nil
}

type testServer struct {
	mux     http.Handler
	h       *Handler
	sched   *scheduler.Scheduler
	bus     *events.Bus
	keys    *repo.MemoryAPIKeyRepo
	machine *connection.Machine
	token   string
}

func newTestServer(t *testing.T, fr *fakeRepo, adminLimit int) *testServer {
	t.Helper()

	if fr == nil {
		fr = &fakeRepo{}
	}
	if fr.MemoryMessageRepo == nil {
		fr.MemoryMessageRepo = repo.NewMemoryMessageRepo()
	}

	bus := events.NewBus()
	m := connection.New(echoProvider{}, repo.NewMemoryStatusRepo(), connection.WithPublisher(bus))
	reg := connection.NewRegistry(m)

	retrier := retry.New(fr, retry.Config{})
	sender := service.NewSender(fr, service.DelivererSet{model.WhatsApp: m}, 4096, 3).WithPublisher(bus)
	hub := service.NewHub(reg, sender, retrier)

	// Long interval so only the immediate tick happens (noop anyway).
	s, err := scheduler.New(time.Hour, func(context.Context) {})
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	counter := cache.NewMemoryCounter()
	keys := repo.NewMemoryAPIKeyRepo()
	tokens := auth.NewTokenIssuer("test-secret-0123456789", time.Hour)
	gw := auth.NewGateway(auth.NewAPIKeyVerifier(keys, counter), tokens, counter, auth.AdminConfig{
		Username:     "root",
		PasswordHash: string(hash),
		RateLimit:    adminLimit,
		RateWindow:   time.Hour,
	})
	token, _ := tokens.Issue("root")

	h := NewHandler(Deps{
		Hub:       hub,
		Auth:      gw,
		Messages:  fr,
		Scheduler: s,
		Sweeper:   retrier,
		Events:    bus,
	})
	h.ssePing = 10 * time.Millisecond

	return &testServer{mux: Router(h), h: h, sched: s, bus: bus, keys: keys, machine: m, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWith(t, method, path, body, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+ts.token)
	})
}

func (ts *testServer) doWith(t *testing.T, method, path string, body any, prep func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rdr = &buf
	}
	req := httptest.NewRequest(method, path, rdr)
	if prep != nil {
		prep(req)
	}
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, 50)

	rr := ts.doWith(t, http.MethodGet, "/v1/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestAdminLogin(t *testing.T) {
	ts := newTestServer(t, nil, 50)

	rr := ts.doWith(t, http.MethodPost, "/v1/admin/login", map[string]string{"username": "root", "password": "s3cret"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	token, _ := decodeJSON(t, rr)["token"].(string)
	if token == "" {
		t.Fatalf("expected a token")
	}

	rr = ts.doWith(t, http.MethodGet, "/v1/status", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected issued token to work, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = ts.doWith(t, http.MethodPost, "/v1/admin/login", map[string]string{"username": "root", "password": "nope"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	ts := newTestServer(t, nil, 50)

	rr := ts.doWith(t, http.MethodGet, "/v1/status", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%q", rr.Code, rr.Body.String())
	}
	if kind := decodeJSON(t, rr)["kind"]; kind != "unauthorized" {
		t.Fatalf("expected kind unauthorized, got %v", kind)
	}
}

func TestAdminRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, 2)

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodGet, "/v1/status", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Remaining"); got != []string{"1", "0"}[i] {
			t.Fatalf("request %d: unexpected remaining header %q", i+1, got)
		}
	}

	rr := ts.do(t, http.MethodGet, "/v1/status", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if kind := decodeJSON(t, rr)["kind"]; kind != "rate_limited" {
		t.Fatalf("expected kind rate_limited, got %v", kind)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, 50)

	steps := []struct {
		method, path string
		running      bool
	}{
		{http.MethodGet, "/v1/scheduler/status", false},
		{http.MethodPost, "/v1/scheduler/start", true},
		{http.MethodPost, "/v1/scheduler/stop", false},
	}
	for _, st := range steps {
		rr := ts.do(t, st.method, st.path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d body=%q", st.path, rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running != st.running {
			t.Fatalf("%s: expected running=%v, got %v", st.path, st.running, body)
		}
	}

	rr := ts.do(t, http.MethodPost, "/v1/scheduler/run", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d", rr.Code)
	}
	if skipped, ok := decodeJSON(t, rr)["skipped"].(bool); !ok || skipped {
		t.Fatalf("run: expected a sweep to execute, body=%q", rr.Body.String())
	}
}

func TestListSentMessages_DefaultsAndArgs(t *testing.T) {
	fr := &fakeRepo{items: []model.Message{{Service: model.WhatsApp, Recipient: "+15557654321", Body: "a", Status: model.Sent}}}
	ts := newTestServer(t, fr, 50)

	rr := ts.do(t, http.MethodGet, "/v1/messages/sent", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if fr.gotLimit != 50 || fr.gotOffset != 0 {
		t.Fatalf("expected repo called with limit=50 offset=0, got limit=%d offset=%d", fr.gotLimit, fr.gotOffset)
	}
	items, ok := decodeJSON(t, rr)["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected 1 item, got %v", rr.Body.String())
	}

	ts.do(t, http.MethodGet, "/v1/messages/sent?limit=10&offset=5", nil)
	if fr.gotLimit != 10 || fr.gotOffset != 5 {
		t.Fatalf("expected limit=10 offset=5, got limit=%d offset=%d", fr.gotLimit, fr.gotOffset)
	}

	ts.do(t, http.MethodGet, "/v1/messages/sent?limit=abc&offset=zzz", nil)
	if fr.gotLimit != 50 || fr.gotOffset != 0 {
		t.Fatalf("expected defaults limit=50 offset=0, got limit=%d offset=%d", fr.gotLimit, fr.gotOffset)
	}
}

func TestListSentMessages_RepoErrorReturns500(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{err: errors.New("db down")}, 50)

	rr := ts.do(t, http.MethodGet, "/v1/messages/sent", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected error body to contain repo error, got %q", rr.Body.String())
	}
}

func TestProviderLifecycleAndSend(t *testing.T) {
	ts := newTestServer(t, nil, 50)

	send := map[string]any{"service": "whatsapp", "recipient": "+1 555 765 4321", "body": "hi"}

	rr := ts.do(t, http.MethodPost, "/v1/messages", send)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["success"] != false || body["error"] != "provider not connected" {
		t.Fatalf("expected not-connected result, got %v", body)
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/connect", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 before configure, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/configure", map[string]string{"bridge_url": "ftp://nope", "token": "t"})
	if rr.Code != http.StatusBadRequest || decodeJSON(t, rr)["kind"] != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/configure", map[string]string{"bridge_url": "http://bridge.local", "token": "t"})
	if rr.Code != http.StatusOK || decodeJSON(t, rr)["state"] != "configured" {
		t.Fatalf("expected configured, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/connect", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}
	deadline := time.Now().Add(2 * time.Second)
	for !ts.machine.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatalf("provider never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rr = ts.do(t, http.MethodPost, "/v1/messages", send)
	body = decodeJSON(t, rr)
	if body["success"] != true || body["externalId"] != "wamid-+15557654321" {
		t.Fatalf("expected delivered message, got %v", body)
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/provide-code", map[string]string{"value": "12345"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected challenge without waiter to be accepted, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/v1/providers/whatsapp/qr", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without pending qr, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/fax/connect", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown service, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/teleport", nil)
	if rr.Code != http.StatusBadRequest || decodeJSON(t, rr)["kind"] != "unknown_action" {
		t.Fatalf("expected unknown_action, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, "/v1/providers/whatsapp/disconnect", nil)
	if rr.Code != http.StatusOK || decodeJSON(t, rr)["state"] != "disconnected" {
		t.Fatalf("expected disconnected, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestSendRequiresServicePermission(t *testing.T) {
	ts := newTestServer(t, nil, 50)
	_ = ts.keys.Create(context.Background(), &repo.APIKey{
		ID:          "key-tg",
		KeyHash:     auth.HashKey("tg-only"),
		IsActive:    true,
		Permissions: []string{"telegram:send"},
	})

	rr := ts.doWith(t, http.MethodPost, "/v1/messages",
		map[string]any{"service": "whatsapp", "recipient": "+15557654321", "body": "hi"},
		func(r *http.Request) { r.Header.Set(auth.APIKeyHeader, "tg-only") })
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, nil, 50)
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	ts.bus.Publish(events.Event{Type: events.CodeRequired, Service: model.Telegram, State: "awaiting_code"})

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event: code_required" {
			if !sc.Scan() || !strings.HasPrefix(sc.Text(), "data: ") {
				t.Fatalf("expected data line after event line")
			}
			return
		}
	}
	t.Fatalf("stream ended without the published event: %v", sc.Err())
}

func TestRouterRoot(t *testing.T) {
	ts := newTestServer(t, nil, 50)

	rr := ts.doWith(t, http.MethodGet, "/", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "messaging-gateway" {
		t.Fatalf("expected body %q, got %q", "messaging-gateway", got)
	}
}

func TestGetMessage(t *testing.T) {
	fr := &fakeRepo{MemoryMessageRepo: repo.NewMemoryMessageRepo()}
	ts := newTestServer(t, fr, 50)

	reason := "provider not connected"
	stored := model.Message{
		ID:           uuid.New(),
		Service:      model.WhatsApp,
		Recipient:    "+15557654321",
		Body:         "hi",
		Status:       model.Failed,
		ErrorMessage: &reason,
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC(),
	}
	fr.Put(stored)

	rr := ts.do(t, http.MethodGet, "/v1/messages/"+stored.ID.String(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if body := decodeJSON(t, rr); body["status"] != "failed" || body["message"] == nil {
		t.Fatalf("expected stored record, got %v", body)
	}

	cached := uuid.New()
	ts.h.receipts = stubReceipts{cached: {ExternalID: "wamid-9", SentAt: time.Now().UTC()}}

	rr = ts.do(t, http.MethodGet, "/v1/messages/"+cached.String(), nil)
	body := decodeJSON(t, rr)
	if rr.Code != http.StatusOK || body["externalId"] != "wamid-9" || body["status"] != "sent" {
		t.Fatalf("expected cached receipt, got %d %v", rr.Code, body)
	}

	if rr := ts.do(t, http.MethodGet, "/v1/messages/"+uuid.NewString(), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/v1/messages/not-a-uuid", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rr.Code)
	}
}
