// Package config loads gateway configuration from environment variables.
// Every knob has a default so a bare process starts in legacy single-key
// mode against the public OpenAI endpoint.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PII actions accepted by PII_ACTION and RESPONSE_PII_ACTION.
const (
	PIIActionRedact  = "redact"
	PIIActionBlock   = "block"
	PIIActionLogOnly = "log_only"
)

// Client store backends accepted by CLIENT_STORE_BACKEND.
const (
	StoreBackendJSON     = "json"
	StoreBackendDynamoDB = "dynamodb"
)

// Config is the resolved gateway configuration.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string

	// GatewayAPIKeys is the legacy comma-separated key list.
	GatewayAPIKeys []string

	// UpstreamBaseURL is the OpenAI-compatible upstream base.
	UpstreamBaseURL string
	// UpstreamAPIKey is the default upstream credential.
	UpstreamAPIKey string
	// UpstreamTimeout bounds every upstream call.
	UpstreamTimeout time.Duration
	// UpstreamMaxTPM enables the adaptive upstream token budget when positive.
	UpstreamMaxTPM float64

	// InjectionThreshold is the deny threshold for the injection score.
	InjectionThreshold float64
	// PIIAction is the request-side PII mode.
	PIIAction string
	// ResponsePIIAction is the response-side PII mode.
	ResponsePIIAction string

	// RateLimitRPM is the default per-client requests-per-minute limit.
	RateLimitRPM int
	// RedisURL enables the Redis-backed limiter when non-empty.
	RedisURL string

	// ClientStoreBackend selects the client store ("json" or "dynamodb").
	ClientStoreBackend string
	// ClientConfigPath is the static backend source document.
	ClientConfigPath string
	// DynamoDBTable is the remote-table backend table name.
	DynamoDBTable string
	// AWSRegion is used by the Bedrock and DynamoDB clients.
	AWSRegion string

	// BedrockModelID is the global fallback Converse model identifier.
	BedrockModelID string
	// AnthropicAPIKey is the default credential for the native Anthropic
	// provider.
	AnthropicAPIKey string

	// DisableStreaming rejects stream=true requests pre-forward. Set on
	// platforms whose serving glue buffers full responses.
	DisableStreaming bool

	// LogLevel controls diagnostic log verbosity.
	LogLevel string
	// AuditLogFile mirrors audit records to a file when non-empty.
	AuditLogFile string
}

// Load reads the environment and returns the resolved configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("gateway_api_keys", "dev-key-1")
	v.SetDefault("upstream_base_url", "https://api.openai.com")
	v.SetDefault("upstream_api_key", "")
	v.SetDefault("upstream_timeout_seconds", 60)
	v.SetDefault("upstream_max_tpm", 0)
	v.SetDefault("injection_threshold", 0.7)
	v.SetDefault("pii_action", PIIActionRedact)
	v.SetDefault("response_pii_action", PIIActionLogOnly)
	v.SetDefault("rate_limit_rpm", 60)
	v.SetDefault("redis_url", "")
	v.SetDefault("client_store_backend", StoreBackendJSON)
	v.SetDefault("client_config_path", "clients.json")
	v.SetDefault("dynamodb_table_name", "llm-gateway-clients")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("bedrock_model_id", "")
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("gateway_disable_streaming", false)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("audit_log_file", "")

	cfg := &Config{
		ListenAddr:         v.GetString("listen_addr"),
		GatewayAPIKeys:     splitKeys(v.GetString("gateway_api_keys")),
		UpstreamBaseURL:    strings.TrimRight(v.GetString("upstream_base_url"), "/"),
		UpstreamAPIKey:     v.GetString("upstream_api_key"),
		UpstreamTimeout:    time.Duration(v.GetInt("upstream_timeout_seconds")) * time.Second,
		UpstreamMaxTPM:     v.GetFloat64("upstream_max_tpm"),
		InjectionThreshold: v.GetFloat64("injection_threshold"),
		PIIAction:          strings.ToLower(v.GetString("pii_action")),
		ResponsePIIAction:  strings.ToLower(v.GetString("response_pii_action")),
		RateLimitRPM:       v.GetInt("rate_limit_rpm"),
		RedisURL:           v.GetString("redis_url"),
		ClientStoreBackend: strings.ToLower(v.GetString("client_store_backend")),
		ClientConfigPath:   v.GetString("client_config_path"),
		DynamoDBTable:      v.GetString("dynamodb_table_name"),
		AWSRegion:          v.GetString("aws_region"),
		BedrockModelID:     v.GetString("bedrock_model_id"),
		AnthropicAPIKey:    v.GetString("anthropic_api_key"),
		DisableStreaming:   v.GetBool("gateway_disable_streaming"),
		LogLevel:           strings.ToUpper(v.GetString("log_level")),
		AuditLogFile:       v.GetString("audit_log_file"),
	}
	// Platforms that inject PORT win over the listen_addr default.
	if port := v.GetString("port"); port != "" && os.Getenv("LISTEN_ADDR") == "" {
		cfg.ListenAddr = ":" + port
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InjectionThreshold <= 0 || c.InjectionThreshold > 1 {
		return fmt.Errorf("config: INJECTION_THRESHOLD must be in (0, 1], got %v", c.InjectionThreshold)
	}
	if err := validateAction("PII_ACTION", c.PIIAction); err != nil {
		return err
	}
	if err := validateAction("RESPONSE_PII_ACTION", c.ResponsePIIAction); err != nil {
		return err
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be positive, got %d", c.RateLimitRPM)
	}
	switch c.ClientStoreBackend {
	case StoreBackendJSON, StoreBackendDynamoDB:
	default:
		return fmt.Errorf("config: unknown CLIENT_STORE_BACKEND %q", c.ClientStoreBackend)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

func validateAction(name, action string) error {
	switch action {
	case PIIActionRedact, PIIActionBlock, PIIActionLogOnly:
		return nil
	default:
		return fmt.Errorf("config: %s must be one of redact, block, log_only; got %q", name, action)
	}
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
