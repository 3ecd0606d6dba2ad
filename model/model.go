// Package model defines the canonical chat-completion shapes the gateway
// works with and the contract provider adapters implement. The canonical
// shape is the OpenAI /v1/chat/completions wire format; adapters translate
// it to and from heterogeneous upstream protocols (OpenAI-compatible HTTP,
// AWS Bedrock Converse, Anthropic Messages) so a client cannot tell which
// provider answered.
package model

import (
	"context"
	"errors"
)

// Conversation roles recognized by the gateway. Roles outside this set are
// preserved on the wire but never contribute to user-input scanning.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// Client is the contract provider adapters implement. Implementations wrap
	// provider SDKs or raw HTTP transports and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a non-streaming chat completion request upstream and
		// returns the response in the canonical OpenAI shape.
		Complete(ctx context.Context, req *Request, cred Credential) (*Response, error)

		// Stream sends a streaming chat completion request and returns a Streamer
		// yielding content chunks. The returned Streamer must be closed by the
		// caller. Providers that cannot stream return ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request, cred Credential) (Streamer, error)
	}

	// Streamer delivers incremental upstream output. Successive calls to Recv
	// return Chunk values until io.EOF, which marks the upstream terminal
	// sentinel. Recv must be called from a single goroutine; Close releases the
	// underlying transport and cancels any pending upstream read.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Credential carries the per-client upstream identity resolved by the
	// client store. OpenAI-style providers use APIKey as a bearer token;
	// Bedrock ignores it and relies on ambient AWS identity, using ModelID to
	// select the Converse target.
	Credential struct {
		// APIKey is the upstream bearer credential. Empty means the provider
		// falls back to its globally configured key.
		APIKey string

		// ModelID is the provider-native model identifier used when the
		// canonical request model cannot be forwarded verbatim (Bedrock).
		ModelID string
	}

	// Chunk is one streaming event in canonical form. Data holds the raw SSE
	// payload exactly as it is relayed to the client; TextDelta is the content
	// fragment extracted for response-side scanning. The terminal sentinel is
	// not represented as a Chunk: streamers return io.EOF once the upstream
	// stream finishes so the coordinator decides whether to release it.
	Chunk struct {
		// Data is the JSON payload of one "data:" event.
		Data []byte
		// TextDelta is the content fragment carried by this event, empty for
		// role or finish events.
		TextDelta string
		// FinishReason is set on the finish event ("stop", "length", ...).
		FinishReason string
	}
)

// ErrStreamingUnsupported indicates the provider adapter does not implement
// streaming for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the upstream provider rejected the call because of
// rate limiting. Adapters wrap throttling responses with this sentinel so the
// upstream limiter middleware can back off.
var ErrRateLimited = errors.New("model: upstream rate limited")

// ErrUpstreamTimeout indicates the upstream call exceeded the configured
// deadline.
var ErrUpstreamTimeout = errors.New("model: upstream timed out")
