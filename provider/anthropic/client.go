// Package anthropic implements model.Client against the Anthropic Messages
// API using github.com/anthropics/anthropic-sdk-go. Like the Bedrock adapter
// it translates rather than forwards: canonical requests become
// Messages.New calls and the replies are synthesized back into the OpenAI
// chat completion shape.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/llmgate/model"
)

const (
	providerName = "anthropic"

	// Anthropic requires an explicit completion cap on every request.
	defaultMaxTokens = 4096
)

type (
	// MessagesClient is the subset of the SDK client the adapter uses,
	// satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// Messages provides access to the Messages API. Required.
		Messages MessagesClient

		// DefaultModel is used when the request model is empty.
		DefaultModel string

		// Timeout bounds non-streaming completions. Zero means 60s.
		Timeout time.Duration
	}

	// Client implements model.Client.
	Client struct {
		msg          MessagesClient
		defaultModel string
		timeout      time.Duration
		now          func() time.Time
	}
)

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		msg:          opts.Messages,
		defaultModel: opts.DefaultModel,
		timeout:      timeout,
		now:          time.Now,
	}, nil
}

// NewFromAPIKey constructs an adapter over the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &ac.Messages, DefaultModel: defaultModel, Timeout: timeout})
}

// Complete issues Messages.New and synthesizes an OpenAI-shape completion.
func (c *Client) Complete(ctx context.Context, req *model.Request, cred model.Credential) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.msg.New(ctx, *params, requestOptions(cred)...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			pe := model.NewProviderError(providerName, "messages.new", http.StatusGatewayTimeout, model.ProviderErrorKindTimeout, "timeout", "upstream deadline exceeded", true, err)
			return nil, errors.Join(model.ErrUpstreamTimeout, pe)
		}
		return nil, wrapAnthropicError("messages.new", err)
	}
	body, err := c.translateResponse(msg, req.Model)
	if err != nil {
		return nil, err
	}
	return &model.Response{StatusCode: http.StatusOK, Body: body}, nil
}

// Stream issues Messages.NewStreaming and adapts the SDK event stream into
// canonical chat.completion.chunk events.
func (c *Client) Stream(ctx context.Context, req *model.Request, cred model.Credential) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params, requestOptions(cred)...)
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError("messages.stream", err)
	}
	id := fmt.Sprintf("anthropic-%d", c.now().UnixNano())
	return newStreamer(ctx, stream, id, req.Model, c.now().Unix()), nil
}

func requestOptions(cred model.Credential) []option.RequestOption {
	if cred.APIKey == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(cred.APIKey)}
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, model.NewProviderError(providerName, "encode", http.StatusBadRequest, model.ProviderErrorKindInvalidRequest, "missing_model", "no model identifier in request", false, nil)
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: defaultMaxTokens,
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return nil, model.NewProviderError(providerName, "encode", http.StatusBadRequest, model.ProviderErrorKindInvalidRequest, "no_conversation", "request carries no conversational messages", false, nil)
	}

	if raw, ok := req.Param("max_tokens"); ok {
		var v int64
		if json.Unmarshal(raw, &v) == nil && v > 0 {
			params.MaxTokens = v
		}
	}
	if raw, ok := req.Param("temperature"); ok {
		var v float64
		if json.Unmarshal(raw, &v) == nil {
			params.Temperature = sdk.Float(v)
		}
	}
	if raw, ok := req.Param("top_p"); ok {
		var v float64
		if json.Unmarshal(raw, &v) == nil {
			params.TopP = sdk.Float(v)
		}
	}
	if raw, ok := req.Param("stop"); ok {
		var many []string
		var one string
		if json.Unmarshal(raw, &many) == nil && len(many) > 0 {
			params.StopSequences = many
		} else if json.Unmarshal(raw, &one) == nil && one != "" {
			params.StopSequences = []string{one}
		}
	}
	return params, nil
}

func (c *Client) translateResponse(msg *sdk.Message, requestModel string) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	id := msg.ID
	if id == "" {
		id = fmt.Sprintf("anthropic-%d", c.now().UnixNano())
	}
	completion := chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: c.now().Unix(),
		Model:   requestModel,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: model.RoleAssistant, Content: content},
			FinishReason: finishReason(string(msg.StopReason)),
		}},
		Usage: &chatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	body, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode completion: %w", err)
	}
	return body, nil
}

// finishReason maps Anthropic stop reasons onto OpenAI finish reasons.
func finishReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		return "stop"
	}
}

func wrapAnthropicError(operation string, err error) error {
	var apiErr *sdk.Error
	status := 0
	msg := err.Error()
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status >= http.StatusInternalServerError:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}

	pe := model.NewProviderError(providerName, operation, status, kind, "", msg, retryable, err)
	if kind == model.ProviderErrorKindRateLimited {
		return errors.Join(model.ErrRateLimited, pe)
	}
	return pe
}
