// Package openai implements model.Client against any OpenAI-compatible
// chat completions endpoint. The adapter is a transparent HTTP forwarder:
// request and response bodies cross it byte-for-byte so client-supplied
// parameters the gateway never heard of still reach the upstream, and
// upstream fields survive the trip back.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"goa.design/llmgate/model"
)

const (
	providerName   = "openai"
	completionPath = "/v1/chat/completions"
	defaultTimeout = 60 * time.Second
)

type (
	// Options configures the OpenAI-compatible adapter.
	Options struct {
		// BaseURL is the upstream origin, e.g. https://api.openai.com.
		// Required.
		BaseURL string

		// APIKey is the global upstream credential used when the client record
		// carries none.
		APIKey string

		// Timeout bounds non-streaming completions and the
		// connection/header phase of streaming ones. Zero means 60s.
		Timeout time.Duration

		// HTTPClient overrides the transport. When nil a plain http.Client is
		// used.
		HTTPClient *http.Client
	}

	// Client implements model.Client over raw HTTP.
	Client struct {
		base    string
		apiKey  string
		timeout time.Duration
		http    *http.Client
	}
)

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("openai: base URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		timeout: timeout,
		http:    hc,
	}, nil
}

// Complete forwards the request body verbatim and returns the upstream body
// verbatim on success.
func (c *Client) Complete(ctx context.Context, req *model.Request, cred model.Credential) (*model.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, req, cred, false)
	if err != nil {
		return nil, wrapTransportError("complete", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportError("complete", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError("complete", resp.StatusCode, body)
	}
	return &model.Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Stream forwards the request and adapts the upstream SSE stream. The
// configured timeout covers the wait for response headers only; an open
// stream is bounded by the caller context.
func (c *Client) Stream(ctx context.Context, req *model.Request, cred model.Credential) (model.Streamer, error) {
	hctx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := c.post(hctx, req, cred, true)
	timer.Stop()
	if err != nil {
		cancel()
		if timedOut.Load() {
			err = context.DeadlineExceeded
		}
		return nil, wrapTransportError("stream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		cancel()
		return nil, upstreamError("stream", resp.StatusCode, body)
	}
	return newSSEStreamer(resp.Body, cancel), nil
}

func (c *Client) post(ctx context.Context, req *model.Request, cred model.Credential, stream bool) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+completionPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	key := cred.APIKey
	if key == "" {
		key = c.apiKey
	}
	hreq.Header.Set("Content-Type", "application/json")
	if key != "" {
		hreq.Header.Set("Authorization", "Bearer "+key)
	}
	if stream {
		hreq.Header.Set("Accept", "text/event-stream")
	}
	return c.http.Do(hreq)
}

// upstreamError classifies a non-2xx upstream reply, pulling code and message
// from the standard {"error": {...}} envelope when present.
func upstreamError(operation string, status int, body []byte) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	code := envelope.Error.Code
	if code == "" {
		code = envelope.Error.Type
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

	pe := model.NewProviderError(providerName, operation, status, kind, code, envelope.Error.Message, retryable, nil)
	if kind == model.ProviderErrorKindRateLimited {
		return errors.Join(model.ErrRateLimited, pe)
	}
	return pe
}

func wrapTransportError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		pe := model.NewProviderError(providerName, operation, http.StatusGatewayTimeout, model.ProviderErrorKindTimeout, "timeout", "upstream deadline exceeded", true, err)
		return errors.Join(model.ErrUpstreamTimeout, pe)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, "transport", err.Error(), true, err)
}
