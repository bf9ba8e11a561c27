package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type RateLimitError struct {
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry in %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// Quota describes the caller's position in its current window. A zero Limit
// means the caller is not rate limited.
type Quota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (q Quota) WriteHeaders(h http.Header) {
	if q.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(q.ResetAt.Unix(), 10))
}

func unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}
