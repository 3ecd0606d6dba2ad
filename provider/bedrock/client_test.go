package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmgate/model"
)

type mockRuntime struct {
	captured    *bedrockruntime.ConverseInput
	streamInput *bedrockruntime.ConverseStreamInput

	output       *bedrockruntime.ConverseOutput
	err          error
	streamOutput StreamOutput
	streamErr    error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func (m *mockRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	m.streamInput = params
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.streamOutput, nil
}

type fakeStreamOutput struct {
	stream *bedrockruntime.ConverseStreamEventStream
}

func (f *fakeStreamOutput) GetStream() *bedrockruntime.ConverseStreamEventStream { return f.stream }

type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                                { return nil }
func (r *fakeStreamReader) Err() error                                  { return r.err }

func newFakeStreamOutput(events []brtypes.ConverseStreamOutput, err error) *fakeStreamOutput {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	stream := bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
	return &fakeStreamOutput{stream: stream}
}

func textOutput(content string, reason brtypes.StopReason) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
		}},
		StopReason: reason,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(5),
			TotalTokens:  aws.Int32(17),
		},
	}
}

func parseReq(t *testing.T, body string) *model.Request {
	t.Helper()
	req, err := model.ParseRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func newClient(t *testing.T, rt RuntimeClient) *Client {
	t.Helper()
	c, err := New(Options{Runtime: rt, DefaultModelID: "anthropic.claude-3-haiku-20240307-v1:0"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	rt := &mockRuntime{output: textOutput("Hello from Bedrock", brtypes.StopReasonEndTurn)}
	c := newClient(t, rt)

	req := parseReq(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "Hi"},
			{"role": "assistant", "content": "Hello"},
			{"role": "user", "content": "Again"}
		],
		"temperature": 0.5,
		"max_tokens": 256,
		"top_p": 0.9,
		"stop": ["END"]
	}`)

	resp, err := c.Complete(context.Background(), req, model.Credential{})
	require.NoError(t, err)

	in := rt.captured
	require.NotNil(t, in)
	assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	assert.Equal(t, "Be terse.", in.System[0].(*brtypes.SystemContentBlockMemberText).Value)
	require.Len(t, in.Messages, 3)
	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, in.Messages[1].Role)
	require.NotNil(t, in.InferenceConfig)
	assert.InDelta(t, 0.5, float64(aws.ToFloat32(in.InferenceConfig.Temperature)), 0.001)
	assert.Equal(t, int32(256), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.9, float64(aws.ToFloat32(in.InferenceConfig.TopP)), 0.001)
	assert.Equal(t, []string{"END"}, in.InferenceConfig.StopSequences)

	var got map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &got))
	assert.Equal(t, "chat.completion", got["object"])
	assert.Equal(t, "gpt-4o", got["model"])
	assert.Contains(t, got["id"], "bedrock-")
	choices := got["choices"].([]any)
	choice := choices[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	msg := choice["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "Hello from Bedrock", msg["content"])
	usage := got["usage"].(map[string]any)
	assert.Equal(t, float64(12), usage["prompt_tokens"])
	assert.Equal(t, float64(5), usage["completion_tokens"])
	assert.Equal(t, float64(17), usage["total_tokens"])
}

func TestCompleteModelIDPrecedence(t *testing.T) {
	rt := &mockRuntime{output: textOutput("x", brtypes.StopReasonEndTurn)}
	c := newClient(t, rt)
	req := parseReq(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	_, err := c.Complete(context.Background(), req, model.Credential{ModelID: "anthropic.claude-3-5-sonnet-20241022-v2:0"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", aws.ToString(rt.captured.ModelId))

	// No per-client and no default is a client-visible configuration error.
	bare, err := New(Options{Runtime: rt})
	require.NoError(t, err)
	_, err = bare.Complete(context.Background(), req, model.Credential{})
	require.Error(t, err)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindInvalidRequest, pe.Kind())
}

func TestFinishReasonMapping(t *testing.T) {
	cases := map[brtypes.StopReason]string{
		brtypes.StopReasonEndTurn:             "stop",
		brtypes.StopReasonStopSequence:        "stop",
		brtypes.StopReasonMaxTokens:           "length",
		brtypes.StopReasonContentFiltered:     "content_filter",
		brtypes.StopReasonGuardrailIntervened: "content_filter",
		brtypes.StopReasonToolUse:             "tool_calls",
	}
	for reason, want := range cases {
		assert.Equal(t, want, finishReason(reason), string(reason))
	}
}

type throttleError struct{}

func (throttleError) Error() string        { return "throttled" }
func (throttleError) ErrorCode() string    { return "ThrottlingException" }
func (throttleError) ErrorMessage() string { return "Too many requests" }
func (throttleError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

func TestCompleteThrottlingMapsToRateLimited(t *testing.T) {
	rt := &mockRuntime{err: &smithy.OperationError{ServiceID: "BedrockRuntime", OperationName: "Converse", Err: throttleError{}}}
	c := newClient(t, rt)
	req := parseReq(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	_, err := c.Complete(context.Background(), req, model.Credential{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	assert.True(t, pe.Retryable())
}

func TestStreamSynthesizesCanonicalChunks(t *testing.T) {
	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberText{Value: "Hel"},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberText{Value: "lo"},
		}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonMaxTokens}},
	}
	rt := &mockRuntime{streamOutput: newFakeStreamOutput(events, nil)}
	c := newClient(t, rt)
	req := parseReq(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	st, err := c.Stream(context.Background(), req, model.Credential{})
	require.NoError(t, err)
	defer st.Close()

	var chunks []model.Chunk
	for {
		chunk, err := st.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 4)

	var first chunkEvent
	require.NoError(t, json.Unmarshal(chunks[0].Data, &first))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "gpt-4o", first.Model)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Nil(t, first.Choices[0].FinishReason)

	assert.Equal(t, "Hel", chunks[1].TextDelta)
	assert.Equal(t, "lo", chunks[2].TextDelta)

	var last chunkEvent
	require.NoError(t, json.Unmarshal(chunks[3].Data, &last))
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "length", *last.Choices[0].FinishReason)
	assert.Equal(t, "length", chunks[3].FinishReason)
}

func TestStreamSurfacesReaderError(t *testing.T) {
	rt := &mockRuntime{streamOutput: newFakeStreamOutput(nil, &smithy.OperationError{
		ServiceID: "BedrockRuntime", OperationName: "ConverseStream", Err: throttleError{},
	})}
	c := newClient(t, rt)
	req := parseReq(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	st, err := c.Stream(context.Background(), req, model.Credential{})
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Recv()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)
}
