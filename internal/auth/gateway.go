// Package auth resolves the caller of every API request. Requests carrying an
// X-API-Key header are machine clients; everything else must present an
// admin bearer token and is held to the admin request window.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const APIKeyHeader = "X-API-Key"

type AdminConfig struct {
	Username     string
	PasswordHash string
	RateLimit    int
	RateWindow   time.Duration
}

type Gateway struct {
	keys    *APIKeyVerifier
	tokens  *TokenIssuer
	counter cache.CounterStore
	admin   AdminConfig
	now     func() time.Time
}

func NewGateway(keys *APIKeyVerifier, tokens *TokenIssuer, counter cache.CounterStore, admin AdminConfig) *Gateway {
	if admin.RateLimit <= 0 {
		admin.RateLimit = 50
	}
	if admin.RateWindow <= 0 {
		admin.RateWindow = time.Hour
	}
	return &Gateway{keys: keys, tokens: tokens, counter: counter, admin: admin, now: time.Now}
}

// Authenticate runs once per request before any handler work.
func (g *Gateway) Authenticate(r *http.Request, perm string) (model.Identity, Quota, error) {
	if raw := strings.TrimSpace(r.Header.Get(APIKeyHeader)); raw != "" {
		return g.keys.Verify(r.Context(), raw, perm)
	}

	token, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		return model.Identity{}, Quota{}, unauthorized("missing credentials")
	}
	subject, err := g.tokens.Verify(token)
	if err != nil {
		return model.Identity{}, Quota{}, err
	}

	quota, err := consume(r.Context(), g.counter, "admin:"+subject, g.admin.RateLimit, g.admin.RateWindow, g.now())
	if err != nil {
		return model.Identity{}, quota, err
	}
	return model.Identity{
		CallerID:    subject,
		Kind:        model.KindAdmin,
		Permissions: []string{"*"},
	}, quota, nil
}

// Login checks the admin password and issues a bearer token.
func (g *Gateway) Login(username, password string) (string, time.Time, error) {
	if g.admin.PasswordHash == "" {
		return "", time.Time{}, unauthorized("admin login disabled")
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.admin.Username)) == 1
	err := bcrypt.CompareHashAndPassword([]byte(g.admin.PasswordHash), []byte(password))
	if !userOK || err != nil {
		if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, unauthorized("invalid username or password")
	}

	token, exp := g.tokens.Issue(g.admin.Username)
	return token, exp, nil
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(model.Identity)
	return id, ok
}
