package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/LeventeLantos/messaging-gateway/internal/provider"
)

const (
	botToken  = "abcdefghijklmnopqrstuvwxyz"
	botUserID = "bot-user-id"
)

// fakeMM simulates the handful of Mattermost API endpoints the provider uses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	posts []model.Post
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	auth := r.Header.Get("Authorization")
	if auth != "BEARER "+botToken && auth != "Bearer "+botToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(&model.User{Id: botUserID, Username: "gateway-bot"})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/username/"):
		name := strings.TrimPrefix(path, "/api/v4/users/username/")
		if name != "jane.doe" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(&model.User{Id: "jane-id", Username: name})

	case r.Method == http.MethodPost && path == "/api/v4/channels/direct":
		_ = json.NewEncoder(w).Encode(&model.Channel{Id: "dm-channel-id", Type: model.ChannelTypeDirect})

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		f.mu.Lock()
		f.posts = append(f.posts, post)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

func configured(t *testing.T, serverURL, token string) *Provider {
	t.Helper()
	p := New()
	raw, _ := json.Marshal(provider.MattermostCredentials{ServerURL: serverURL, BotToken: token})
	if err := p.Configure(raw); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	return p
}

func TestConnect_RecordsBotUser(t *testing.T) {
	t.Parallel()
	fake := newFakeMM(t)

	p := configured(t, fake.Server.URL, botToken)
	sess, err := p.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	creds, err := provider.ParseMattermostCredentials(sess.Credentials)
	if err != nil {
		t.Fatalf("expected refreshed credentials: %v", err)
	}
	if creds.BotUserID != botUserID {
		t.Fatalf("expected bot user id %q, got %q", botUserID, creds.BotUserID)
	}
}

func TestConnect_BadToken(t *testing.T) {
	t.Parallel()
	fake := newFakeMM(t)

	p := configured(t, fake.Server.URL, "zyxwvutsrqponmlkjihgfedcba")
	if _, err := p.Connect(context.Background(), nil); err == nil {
		t.Fatalf("expected authentication error")
	}
}

func TestSendText_ToChannel(t *testing.T) {
	t.Parallel()
	fake := newFakeMM(t)

	p := configured(t, fake.Server.URL, botToken)
	if _, err := p.SendText(context.Background(), "channel", "hi"); !errors.Is(err, provider.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := p.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	id, err := p.SendText(context.Background(), "4xk3zq1b9pfh7dwaeyr2mtgcun", "deploy finished")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "created-post-id" {
		t.Fatalf("unexpected post id %q", id)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.posts) != 1 || fake.posts[0].ChannelId != "4xk3zq1b9pfh7dwaeyr2mtgcun" || fake.posts[0].Message != "deploy finished" {
		t.Fatalf("unexpected posts: %+v", fake.posts)
	}
}

func TestSendText_ToUsernameOpensDirectChannel(t *testing.T) {
	t.Parallel()
	fake := newFakeMM(t)

	p := configured(t, fake.Server.URL, botToken)
	if _, err := p.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if _, err := p.SendText(context.Background(), "@jane.doe", "ping"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.posts) != 1 || fake.posts[0].ChannelId != "dm-channel-id" {
		t.Fatalf("expected post in direct channel, got %+v", fake.posts)
	}
}

func TestSendText_UnknownUser(t *testing.T) {
	t.Parallel()
	fake := newFakeMM(t)

	p := configured(t, fake.Server.URL, botToken)
	if _, err := p.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if _, err := p.SendText(context.Background(), "@ghost", "ping"); err == nil {
		t.Fatalf("expected lookup error for unknown user")
	}
}
