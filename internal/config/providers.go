package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderSeed holds credentials applied at boot to providers that are
// still unconfigured. Keys are service names.
type ProviderSeed map[string]map[string]any

// LoadProviderSeed reads a YAML file such as:
//
//	telegram:
//	  bridge_url: http://tdlib-sidecar:8081
//	  api_id: 12345
//	  api_hash: 0123456789abcdef0123456789abcdef
//	  phone: "+15551234567"
//
// An empty path yields an empty seed.
func LoadProviderSeed(path string) (ProviderSeed, error) {
	if path == "" {
		return ProviderSeed{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	seed := ProviderSeed{}
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	return seed, nil
}

// Credentials returns the JSON credential blob for service, or nil if the
// seed has no entry for it.
func (s ProviderSeed) Credentials(service string) (json.RawMessage, error) {
	entry, ok := s[service]
	if !ok || len(entry) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode %s credentials: %w", service, err)
	}
	return b, nil
}
