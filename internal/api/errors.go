package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/auth"
	"github.com/LeventeLantos/messaging-gateway/internal/connection"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var errorKinds = []struct {
	target error
	status int
	kind   string
}{
	{auth.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{auth.ErrForbidden, http.StatusForbidden, "forbidden"},
	{provider.ErrInvalidCredentials, http.StatusBadRequest, "invalid_credentials"},
	{provider.ErrInvalidRecipient, http.StatusBadRequest, "invalid_recipient"},
	{service.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{service.ErrUnknownAction, http.StatusBadRequest, "unknown_action"},
	{connection.ErrNotConfigured, http.StatusConflict, "not_configured"},
	{connection.ErrAlreadyConnecting, http.StatusConflict, "already_connecting"},
	{provider.ErrNotConnected, http.StatusConflict, "not_connected"},
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
}

func writeError(w http.ResponseWriter, err error) {
	var rl *auth.RateLimitError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Kind: "rate_limited", Message: err.Error()})
		return
	}

	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			writeJSON(w, k.status, errorBody{Kind: k.kind, Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()})
}
