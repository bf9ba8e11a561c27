package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Service string

const (
	WhatsApp   Service = "whatsapp"
	Telegram   Service = "telegram"
	Mattermost Service = "mattermost"
)

var Services = []Service{WhatsApp, Telegram, Mattermost}

func ParseService(raw string) (Service, error) {
	for _, s := range Services {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown service %q", raw)
}

type LifecycleState string

const (
	Unconfigured   LifecycleState = "unconfigured"
	Configured     LifecycleState = "configured"
	Authenticating LifecycleState = "authenticating"
	Connected      LifecycleState = "connected"
	Disconnected   LifecycleState = "disconnected"
)

type AuthStep string

const (
	AwaitingScan              AuthStep = "awaiting_scan"
	AwaitingPhoneConfirmation AuthStep = "awaiting_phone_confirmation"
	AwaitingCode              AuthStep = "awaiting_code"
	AwaitingPassword          AuthStep = "awaiting_password"
)

// AuthenticatingDetail describes where a handshake is parked. QRCode is only
// set for AwaitingScan.
type AuthenticatingDetail struct {
	Step   AuthStep `json:"step"`
	QRCode string   `json:"qrCode,omitempty"`
	Hint   string   `json:"hint,omitempty"`
}

type ProviderSession struct {
	Service        Service               `json:"service"`
	State          LifecycleState        `json:"state"`
	Detail         *AuthenticatingDetail `json:"detail,omitempty"`
	Credentials    json.RawMessage       `json:"-"`
	ConnectedSince *time.Time            `json:"connectedSince,omitempty"`
	LastError      string                `json:"lastError,omitempty"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// StateLabel flattens state and handshake step into a single label,
// e.g. "awaiting_code" while authenticating.
func (s ProviderSession) StateLabel() string {
	if s.State == Authenticating && s.Detail != nil {
		return string(s.Detail.Step)
	}
	return string(s.State)
}
