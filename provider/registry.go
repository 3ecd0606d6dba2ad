// Package provider assembles the model.Client adapters the gateway can route
// to and hands them out by provider tag. Adapters are built lazily so a
// deployment that never routes to Bedrock never loads AWS credentials, and
// construction failures surface on first use rather than at startup.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"goa.design/llmgate/clients"
	"goa.design/llmgate/model"
	"goa.design/llmgate/provider/anthropic"
	"goa.design/llmgate/provider/bedrock"
	"goa.design/llmgate/provider/middleware"
	"goa.design/llmgate/provider/openai"
)

type (
	// Options configures every adapter the registry can build.
	Options struct {
		// OpenAIBaseURL and OpenAIAPIKey configure the OpenAI-compatible
		// passthrough adapter.
		OpenAIBaseURL string
		OpenAIAPIKey  string

		// AWSRegion and BedrockModelID configure the Bedrock adapter.
		AWSRegion      string
		BedrockModelID string

		// AnthropicAPIKey and AnthropicModel configure the native Anthropic
		// adapter.
		AnthropicAPIKey string
		AnthropicModel  string

		// Timeout bounds upstream completions on every adapter.
		Timeout time.Duration

		// MaxTPM enables the adaptive upstream rate limiter when positive.
		// The budget applies per adapter.
		MaxTPM float64
	}

	// Registry hands out provider adapters by tag.
	Registry struct {
		opts Options

		mu    sync.Mutex
		built map[string]*entry
	}

	entry struct {
		client model.Client
		err    error
	}
)

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, built: make(map[string]*entry)}
}

// Client returns the adapter for the given provider tag, constructing it on
// first use. Construction errors are cached so a misconfigured provider fails
// fast on every request that routes to it.
func (r *Registry) Client(ctx context.Context, tag string) (model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.built[tag]; ok {
		return e.client, e.err
	}
	client, err := r.build(ctx, tag)
	if err == nil && r.opts.MaxTPM > 0 {
		client = middleware.NewAdaptiveRateLimiter(r.opts.MaxTPM, r.opts.MaxTPM).Middleware()(client)
	}
	r.built[tag] = &entry{client: client, err: err}
	return client, err
}

func (r *Registry) build(ctx context.Context, tag string) (model.Client, error) {
	switch tag {
	case clients.ProviderOpenAI:
		return openai.New(openai.Options{
			BaseURL: r.opts.OpenAIBaseURL,
			APIKey:  r.opts.OpenAIAPIKey,
			Timeout: r.opts.Timeout,
		})
	case clients.ProviderBedrock:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(r.opts.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("provider: load AWS config: %w", err)
		}
		return bedrock.New(bedrock.Options{
			Runtime:        bedrock.WrapRuntime(bedrockruntime.NewFromConfig(cfg)),
			DefaultModelID: r.opts.BedrockModelID,
			Timeout:        r.opts.Timeout,
		})
	case clients.ProviderAnthropic:
		return anthropic.NewFromAPIKey(r.opts.AnthropicAPIKey, r.opts.AnthropicModel, r.opts.Timeout)
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", tag)
	}
}
