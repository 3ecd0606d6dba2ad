package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmgate/model"
)

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Complete(_ context.Context, _ *model.Request, _ model.Credential) (*model.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &model.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
}

func (s *stubClient) Stream(_ context.Context, _ *model.Request, _ model.Credential) (model.Streamer, error) {
	s.calls++
	return nil, s.err
}

func testRequest(t *testing.T) *model.Request {
	t.Helper()
	req, err := model.ParseRequest([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	return req
}

func TestLimiterBacksOffOnRateLimit(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 120000)
	stub := &stubClient{err: model.ErrRateLimited}
	client := l.Middleware()(stub)

	_, err := client.Complete(context.Background(), testRequest(t), model.Credential{})
	require.Error(t, err)
	assert.Equal(t, float64(30000), l.TPM())

	_, _ = client.Complete(context.Background(), testRequest(t), model.Credential{})
	assert.Equal(t, float64(15000), l.TPM())
}

func TestLimiterFloorsAtMinTPM(t *testing.T) {
	l := NewAdaptiveRateLimiter(100, 100)
	for range 20 {
		l.observe(model.ErrRateLimited)
	}
	assert.InDelta(t, 10, l.TPM(), 0.01)
}

func TestLimiterRecoversOnSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 120000)
	l.backoff()
	require.Equal(t, float64(30000), l.TPM())

	l.observe(nil)
	assert.Equal(t, float64(33000), l.TPM())

	for range 100 {
		l.observe(nil)
	}
	assert.Equal(t, float64(120000), l.TPM(), "recovery is capped at maxTPM")
}

func TestLimiterIgnoresOtherErrors(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	l.observe(errors.New("boom"))
	assert.Equal(t, float64(60000), l.TPM())
}

func TestEstimateTokens(t *testing.T) {
	req := testRequest(t)
	assert.Equal(t, 500, estimateTokens(&model.Request{}))
	assert.Equal(t, 501, estimateTokens(req), "tiny text clamps to one token plus buffer")
}

func TestLimiterPassesThrough(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	stub := &stubClient{}
	client := l.Middleware()(stub)

	resp, err := client.Complete(context.Background(), testRequest(t), model.Credential{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, stub.calls)
}
