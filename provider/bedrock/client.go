// Package bedrock implements model.Client on top of the AWS Bedrock Converse
// API. Unlike the OpenAI adapter it cannot forward bodies verbatim: requests
// are translated field by field into Converse inputs (system blocks split
// from the conversation, sampling parameters mapped into the inference
// config) and responses are synthesized back into the canonical OpenAI shape
// so callers cannot tell the provider apart.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/llmgate/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client the
	// adapter needs. Tests pass fakes; production code wraps the real client
	// with WrapRuntime.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the ConverseStream output the streamer
	// consumes. Satisfied by *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient

		// DefaultModelID is the Converse model used when the client record
		// carries none.
		DefaultModelID string

		// Timeout bounds non-streaming completions. Zero means 60s.
		Timeout time.Duration
	}

	// Client implements model.Client.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		timeout      time.Duration
		now          func() time.Time
	}

	converseParts struct {
		modelID   string
		system    []brtypes.SystemContentBlock
		messages  []brtypes.Message
		inference *brtypes.InferenceConfiguration
	}
)

// WrapRuntime lifts the concrete AWS client to the RuntimeClient interface.
func WrapRuntime(c *bedrockruntime.Client) RuntimeClient { return runtimeAdapter{c} }

type runtimeAdapter struct{ c *bedrockruntime.Client }

func (a runtimeAdapter) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return a.c.Converse(ctx, params, optFns...)
}

func (a runtimeAdapter) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := a.c.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModelID,
		timeout:      timeout,
		now:          time.Now,
	}, nil
}

// Complete issues a Converse call and synthesizes an OpenAI-shape completion
// from the result.
func (c *Client) Complete(ctx context.Context, req *model.Request, cred model.Credential) (*model.Response, error) {
	parts, err := c.encodeRequest(req, cred)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(parts.modelID),
		System:          parts.system,
		Messages:        parts.messages,
		InferenceConfig: parts.inference,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			pe := model.NewProviderError(providerName, "converse", http.StatusGatewayTimeout, model.ProviderErrorKindTimeout, "timeout", "upstream deadline exceeded", true, err)
			return nil, errors.Join(model.ErrUpstreamTimeout, pe)
		}
		return nil, wrapBedrockError("converse", err)
	}
	body, err := c.translateResponse(out, req.Model)
	if err != nil {
		return nil, err
	}
	return &model.Response{StatusCode: http.StatusOK, Body: body}, nil
}

// Stream issues a ConverseStream call and adapts its event stream into
// canonical chat.completion.chunk events.
func (c *Client) Stream(ctx context.Context, req *model.Request, cred model.Credential) (model.Streamer, error) {
	parts, err := c.encodeRequest(req, cred)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(parts.modelID),
		System:          parts.system,
		Messages:        parts.messages,
		InferenceConfig: parts.inference,
	})
	if err != nil {
		return nil, wrapBedrockError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream, c.completionID(), req.Model, c.now().Unix()), nil
}

func (c *Client) completionID() string {
	return fmt.Sprintf("bedrock-%d", c.now().UnixNano())
}

func (c *Client) encodeRequest(req *model.Request, cred model.Credential) (*converseParts, error) {
	modelID := cred.ModelID
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, model.NewProviderError(providerName, "encode", http.StatusBadRequest, model.ProviderErrorKindInvalidRequest, "missing_model_id", "no Bedrock model identifier configured for client", false, nil)
	}

	parts := &converseParts{modelID: modelID}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		block := &brtypes.ContentBlockMemberText{Value: m.Content}
		switch m.Role {
		case model.RoleSystem:
			parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleAssistant:
			parts.messages = append(parts.messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{block},
			})
		default:
			// User and tool turns both map to the user role; Converse has no
			// tool-result text channel for plain content.
			parts.messages = append(parts.messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{block},
			})
		}
	}
	if len(parts.messages) == 0 {
		return nil, model.NewProviderError(providerName, "encode", http.StatusBadRequest, model.ProviderErrorKindInvalidRequest, "no_conversation", "request carries no conversational messages", false, nil)
	}
	parts.inference = inferenceConfig(req)
	return parts, nil
}

// inferenceConfig maps the OpenAI sampling parameters Converse understands.
// Parameters Bedrock has no equivalent for are dropped.
func inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var (
		cfg brtypes.InferenceConfiguration
		set bool
	)
	if raw, ok := req.Param("temperature"); ok {
		var v float32
		if json.Unmarshal(raw, &v) == nil {
			cfg.Temperature = aws.Float32(v)
			set = true
		}
	}
	if raw, ok := req.Param("top_p"); ok {
		var v float32
		if json.Unmarshal(raw, &v) == nil {
			cfg.TopP = aws.Float32(v)
			set = true
		}
	}
	if raw, ok := req.Param("max_tokens"); ok {
		var v int32
		if json.Unmarshal(raw, &v) == nil && v > 0 {
			cfg.MaxTokens = aws.Int32(v)
			set = true
		}
	}
	if raw, ok := req.Param("stop"); ok {
		var many []string
		var one string
		if json.Unmarshal(raw, &many) == nil && len(many) > 0 {
			cfg.StopSequences = many
			set = true
		} else if json.Unmarshal(raw, &one) == nil && one != "" {
			cfg.StopSequences = []string{one}
			set = true
		}
	}
	if !set {
		return nil
	}
	return &cfg
}

func (c *Client) translateResponse(out *bedrockruntime.ConverseOutput, requestModel string) ([]byte, error) {
	var content string
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	}

	completion := chatCompletion{
		ID:      c.completionID(),
		Object:  "chat.completion",
		Created: c.now().Unix(),
		Model:   requestModel,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: model.RoleAssistant, Content: content},
			FinishReason: finishReason(out.StopReason),
		}},
	}
	if u := out.Usage; u != nil {
		completion.Usage = &chatUsage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	body, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode completion: %w", err)
	}
	return body, nil
}

// finishReason maps Converse stop reasons onto OpenAI finish reasons.
func finishReason(reason brtypes.StopReason) string {
	switch reason {
	case brtypes.StopReasonMaxTokens:
		return "length"
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return "content_filter"
	case brtypes.StopReasonToolUse:
		return "tool_calls"
	default:
		return "stop"
	}
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(operation string, err error) error {
	if isRateLimited(err) {
		pe := model.NewProviderError(providerName, operation, http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, "rate_limited", err.Error(), true, err)
		return errors.Join(model.ErrRateLimited, pe)
	}

	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status >= http.StatusInternalServerError:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}

	return model.NewProviderError(providerName, operation, status, kind, code, msg, retryable, err)
}
