package model

import "strings"

type IdentityKind string

const (
	KindAPIKey IdentityKind = "api_key"
	KindAdmin  IdentityKind = "admin"
)

// Identity is the caller resolved by the auth gateway.
type Identity struct {
	CallerID    string       `json:"callerId"`
	Kind        IdentityKind `json:"kind"`
	Permissions []string     `json:"permissions"`
	RateLimit   int          `json:"rateLimit,omitempty"`
}

func (i Identity) RequestedBy() string {
	if i.Kind == KindAdmin {
		return "admin:" + i.CallerID
	}
	return i.CallerID
}

// Can reports whether the identity holds perm. "*" grants everything and
// "whatsapp:*" grants every whatsapp-scoped capability.
func (i Identity) Can(perm string) bool {
	if perm == "" {
		return true
	}
	scope, _, _ := strings.Cut(perm, ":")
	for _, p := range i.Permissions {
		if p == "*" || p == perm || p == scope+":*" {
			return true
		}
	}
	return false
}
