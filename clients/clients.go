// Package clients resolves per-consumer gateway policy from an API key.
// A Store maps keys to ClientConfig records; backends share the contract so
// deployments pick between a static document, a legacy flat key list, and a
// DynamoDB table at runtime. Key comparison is constant-time on every
// backend path to avoid timing side-channels on the compare.
package clients

import (
	"context"
	"crypto/subtle"
	"errors"
)

// Provider tags accepted in client records.
const (
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
	ProviderAnthropic = "anthropic"
)

// Client statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// ErrNotFound indicates no client matches the presented API key.
var ErrNotFound = errors.New("clients: not found")

type (
	// Store looks up a client by API key. Implementations return ErrNotFound
	// for unknown keys and a different error for backend failures, which the
	// pipeline maps to HTTP 503.
	Store interface {
		Lookup(ctx context.Context, apiKey string) (*ClientConfig, error)
	}

	// ClientConfig is the identity and policy for one API consumer. Records
	// are immutable within a request.
	ClientConfig struct {
		// ClientID is the unique opaque client identifier.
		ClientID string `json:"client_id" yaml:"client_id"`
		// APIKey is the gateway credential presented in X-API-Key.
		APIKey string `json:"api_key" yaml:"api_key"`
		// Provider selects the upstream adapter ("openai", "bedrock",
		// "anthropic"). Empty resolves to the default.
		Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
		// RateLimitRPM is the per-client requests-per-minute limit. Zero
		// resolves to the global default.
		RateLimitRPM int `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty"`
		// AllowedModels restricts the models the client may request. Empty
		// means any.
		AllowedModels []string `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`
		// UpstreamAPIKey is the per-client upstream credential. Empty resolves
		// to the global default. Ignored by Bedrock.
		UpstreamAPIKey string `json:"upstream_credential,omitempty" yaml:"upstream_credential,omitempty"`
		// BedrockModelID is the Converse model identifier for Bedrock clients.
		BedrockModelID string `json:"bedrock_model_id,omitempty" yaml:"bedrock_model_id,omitempty"`
		// Status is "active" or "suspended". Empty means active.
		Status string `json:"status,omitempty" yaml:"status,omitempty"`
	}

	// Defaults holds the global values used when a record leaves a field
	// unset. Resolution is "per-client value if present, else global
	// default", applied in one place rather than at call sites.
	Defaults struct {
		Provider       string
		RateLimitRPM   int
		UpstreamAPIKey string
		BedrockModelID string
	}
)

// ApplyDefaults fills unset fields from the global defaults and returns the
// receiver for chaining.
func (c *ClientConfig) ApplyDefaults(d Defaults) *ClientConfig {
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if c.RateLimitRPM <= 0 {
		c.RateLimitRPM = d.RateLimitRPM
	}
	if c.UpstreamAPIKey == "" {
		c.UpstreamAPIKey = d.UpstreamAPIKey
	}
	if c.BedrockModelID == "" {
		c.BedrockModelID = d.BedrockModelID
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	return c
}

// ModelAllowed reports whether the client may request the given model. An
// empty allowlist is permissive.
func (c *ClientConfig) ModelAllowed(model string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Suspended reports whether the client is suspended.
func (c *ClientConfig) Suspended() bool { return c.Status == StatusSuspended }

// SecureCompare reports whether two keys are equal without leaking where
// they differ. Length differences still short-circuit inside the primitive;
// callers comparing against a set of known keys must iterate the whole set
// regardless of early matches.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
