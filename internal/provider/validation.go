package provider

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

var (
	e164Pattern          = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
	telegramUserPattern  = regexp.MustCompile(`^@[A-Za-z][A-Za-z0-9_]{4,31}$`)
	numericIDPattern     = regexp.MustCompile(`^-?\d{1,20}$`)
	mattermostIDPattern  = regexp.MustCompile(`^[a-z0-9]{26}$`)
	mattermostUserRegexp = regexp.MustCompile(`^@[a-z0-9._-]{1,64}$`)
	apiHashPattern       = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	botTokenPattern      = regexp.MustCompile(`^[a-z0-9]{26}$`)
)

// NormalizeE164 trims and validates a phone number in E.164 form.
func NormalizeE164(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !e164Pattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q is not an e164 phone number", ErrInvalidRecipient, trimmed)
	}
	return trimmed, nil
}

// NormalizeRecipient validates raw against the recipient formats service
// accepts and returns the canonical form handed to SendText.
func NormalizeRecipient(service model.Service, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidRecipient)
	}

	switch service {
	case model.WhatsApp:
		return NormalizeE164(strings.NewReplacer(" ", "", "-", "").Replace(trimmed))
	case model.Telegram:
		switch {
		case telegramUserPattern.MatchString(trimmed):
			return strings.ToLower(trimmed), nil
		case strings.HasPrefix(trimmed, "+"):
			return NormalizeE164(trimmed)
		case numericIDPattern.MatchString(trimmed):
			return trimmed, nil
		}
	case model.Mattermost:
		lower := strings.ToLower(trimmed)
		if mattermostIDPattern.MatchString(lower) || mattermostUserRegexp.MatchString(lower) {
			return lower, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown service %q", ErrInvalidRecipient, service)
	}
	return "", fmt.Errorf("%w: %q is not a valid %s recipient", ErrInvalidRecipient, trimmed, service)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCredentials, fmt.Sprintf(format, args...))
}

func decodeCredentials(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return invalid("credentials are empty")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return invalid("malformed json: %v", err)
	}
	return nil
}

func validateHTTPURL(field, value string) error {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil || value == "" {
		return invalid("%s must be a valid url", field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("%s has unsupported scheme %q", field, u.Scheme)
	}
	if u.Host == "" {
		return invalid("%s host is required", field)
	}
	return nil
}

// WhatsAppCredentials configures the QR bridge. SessionToken is set once a
// scan succeeded and marks the bridge session as resumable.
type WhatsAppCredentials struct {
	BridgeURL    string `json:"bridge_url"`
	Token        string `json:"token"`
	SessionToken string `json:"session_token,omitempty"`
}

func ParseWhatsAppCredentials(raw json.RawMessage) (WhatsAppCredentials, error) {
	var c WhatsAppCredentials
	if err := decodeCredentials(raw, &c); err != nil {
		return c, err
	}
	if err := validateHTTPURL("bridge_url", c.BridgeURL); err != nil {
		return c, err
	}
	if strings.TrimSpace(c.Token) == "" {
		return c, invalid("token is required")
	}
	return c, nil
}

// TelegramCredentials configures the phone/code/password sidecar.
// SessionString is issued after a successful handshake and replayed on reconnect.
type TelegramCredentials struct {
	BridgeURL     string `json:"bridge_url"`
	APIID         int64  `json:"api_id"`
	APIHash       string `json:"api_hash"`
	Phone         string `json:"phone"`
	SessionString string `json:"session_string,omitempty"`
}

func ParseTelegramCredentials(raw json.RawMessage) (TelegramCredentials, error) {
	var c TelegramCredentials
	if err := decodeCredentials(raw, &c); err != nil {
		return c, err
	}
	if err := validateHTTPURL("bridge_url", c.BridgeURL); err != nil {
		return c, err
	}
	if c.APIID <= 0 {
		return c, invalid("api_id must be a positive integer")
	}
	if !apiHashPattern.MatchString(c.APIHash) {
		return c, invalid("api_hash must be 32 hex characters")
	}
	if !e164Pattern.MatchString(c.Phone) {
		return c, invalid("phone must be in e164 format")
	}
	return c, nil
}

// MattermostCredentials configures a bot account.
type MattermostCredentials struct {
	ServerURL string `json:"server_url"`
	BotToken  string `json:"bot_token"`
	BotUserID string `json:"bot_user_id,omitempty"`
}

func ParseMattermostCredentials(raw json.RawMessage) (MattermostCredentials, error) {
	var c MattermostCredentials
	if err := decodeCredentials(raw, &c); err != nil {
		return c, err
	}
	if err := validateHTTPURL("server_url", c.ServerURL); err != nil {
		return c, err
	}
	if !botTokenPattern.MatchString(c.BotToken) {
		return c, invalid("bot_token must be 26 lowercase alphanumeric characters")
	}
	return c, nil
}

// CanResume reports whether raw carries a session artifact from an earlier
// successful handshake.
func CanResume(service model.Service, raw json.RawMessage) bool {
	switch service {
	case model.WhatsApp:
		c, err := ParseWhatsAppCredentials(raw)
		return err == nil && c.SessionToken != ""
	case model.Telegram:
		c, err := ParseTelegramCredentials(raw)
		return err == nil && c.SessionString != ""
	case model.Mattermost:
		c, err := ParseMattermostCredentials(raw)
		return err == nil && c.BotUserID != ""
	}
	return false
}

// StripSession removes the session artifact from raw, keeping the base
// credentials.
func StripSession(service model.Service, raw json.RawMessage) (json.RawMessage, error) {
	var out any
	switch service {
	case model.WhatsApp:
		c, err := ParseWhatsAppCredentials(raw)
		if err != nil {
			return nil, err
		}
		c.SessionToken = ""
		out = c
	case model.Telegram:
		c, err := ParseTelegramCredentials(raw)
		if err != nil {
			return nil, err
		}
		c.SessionString = ""
		out = c
	case model.Mattermost:
		c, err := ParseMattermostCredentials(raw)
		if err != nil {
			return nil, err
		}
		c.BotUserID = ""
		out = c
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return json.Marshal(out)
}
