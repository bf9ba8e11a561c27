package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// TokenIssuer mints admin bearer tokens: base64url("subject|expiresUnix")
// followed by a base64url HMAC-SHA256 of that payload.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(subject string) (string, time.Time) {
	exp := t.now().Add(t.ttl).Truncate(time.Second)
	payload := subject + "|" + strconv.FormatInt(exp.Unix(), 10)
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(t.sign(payload)), exp
}

func (t *TokenIssuer) Verify(token string) (string, error) {
	rawPayload, rawSig, ok := strings.Cut(token, ".")
	if !ok {
		return "", unauthorized("malformed token")
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(rawPayload)
	if err != nil {
		return "", unauthorized("malformed token")
	}
	sig, err := enc.DecodeString(rawSig)
	if err != nil {
		return "", unauthorized("malformed token")
	}
	if !hmac.Equal(sig, t.sign(string(payload))) {
		return "", unauthorized("invalid token signature")
	}

	i := strings.LastIndexByte(string(payload), '|')
	if i <= 0 {
		return "", unauthorized("malformed token")
	}
	exp, err := strconv.ParseInt(string(payload[i+1:]), 10, 64)
	if err != nil {
		return "", unauthorized("malformed token")
	}
	if !t.now().Before(time.Unix(exp, 0)) {
		return "", unauthorized("token expired")
	}
	return string(payload[:i]), nil
}

func (t *TokenIssuer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
