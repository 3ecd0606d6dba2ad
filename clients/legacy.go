package clients

import (
	"context"
	"fmt"
)

// LegacyStore authenticates against a flat list of gateway API keys with no
// per-client configuration. Every key maps to a synthetic record built from
// the global defaults, which keeps single-tenant deployments working without
// a client document.
type LegacyStore struct {
	keys     []string
	defaults Defaults
}

// NewLegacyStore builds a store over the given keys. At least one key is
// required.
func NewLegacyStore(keys []string, defaults Defaults) (*LegacyStore, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("clients: legacy store needs at least one key")
	}
	return &LegacyStore{keys: keys, defaults: defaults}, nil
}

// Lookup implements Store. All keys are compared so timing does not reveal
// which entry matched.
func (s *LegacyStore) Lookup(ctx context.Context, apiKey string) (*ClientConfig, error) {
	var match string
	for _, k := range s.keys {
		if SecureCompare(apiKey, k) {
			match = k
		}
	}
	if match == "" {
		return nil, ErrNotFound
	}
	id := match
	if len(id) > 8 {
		id = id[:8]
	}
	c := &ClientConfig{
		ClientID: "legacy-" + id,
		APIKey:   match,
	}
	return c.ApplyDefaults(s.defaults), nil
}
