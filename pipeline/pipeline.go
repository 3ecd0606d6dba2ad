// Package pipeline sequences the gateway's security stages around the
// upstream call. Requests pass through authentication, rate limiting, model
// allowlisting, injection scoring and PII scanning in that order; the first
// stage to deny short-circuits the rest. Allowed requests are forwarded
// through the provider adapter and their responses scanned on the way back.
// Every request produces exactly one audit record regardless of where it
// ended.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"goa.design/clue/log"

	"goa.design/llmgate/apierr"
	"goa.design/llmgate/audit"
	"goa.design/llmgate/clients"
	"goa.design/llmgate/model"
	"goa.design/llmgate/security/injection"
	"goa.design/llmgate/security/pii"
	"goa.design/llmgate/security/ratelimit"
)

// Stage names as they appear in audit records.
const (
	StageAuth          = "auth"
	StageRateLimit     = "rate_limit"
	StageModelAllow    = "model_allowlist"
	StageInjectionScan = "injection_scan"
	StagePIIScan       = "pii_scan"
	StageStreamingGate = "streaming_gate"
)

type (
	// ClientSource resolves provider adapters by tag. Satisfied by
	// *provider.Registry.
	ClientSource interface {
		Client(ctx context.Context, tag string) (model.Client, error)
	}

	// Options wires the pipeline's collaborators.
	Options struct {
		// Store resolves API keys to client records. Required.
		Store clients.Store
		// Limiter enforces per-client request rates. Required.
		Limiter ratelimit.Limiter
		// Providers resolves provider adapters. Required.
		Providers ClientSource
		// Injection scores request text. Required.
		Injection *injection.Scorer
		// RequestPII scans request text. Required.
		RequestPII *pii.Scanner
		// ResponsePII scans upstream responses. Required.
		ResponsePII *pii.Scanner
		// Audit receives one record per request. Required.
		Audit audit.Sink
		// DisableStreaming rejects stream requests before they reach the
		// upstream.
		DisableStreaming bool
	}

	// Gateway is the assembled pipeline.
	Gateway struct {
		store      clients.Store
		limiter    ratelimit.Limiter
		providers  ClientSource
		injection  *injection.Scorer
		requestPII *pii.Scanner
		respPII    *pii.Scanner
		audit      audit.Sink
		noStream   bool
		now        func() time.Time
	}

	// Meta carries per-request side information the transport layer renders
	// as headers.
	Meta struct {
		// Rate holds the limiter's advisory values once the rate limit stage
		// has run; nil when the request was denied before it.
		Rate *ratelimit.Result
	}

	// StreamSink receives the relayed stream. Send delivers one data event
	// payload; Done delivers the terminal sentinel. The pipeline calls Done
	// only after the post-scan clears the accumulated response.
	StreamSink interface {
		Send(ctx context.Context, data []byte) error
		Done(ctx context.Context) error
	}

	// MetaSink is optionally implemented by sinks that render per-request
	// metadata as headers. When implemented it is invoked once, after the
	// pre-forward stages pass and before any event is sent.
	MetaSink interface {
		Meta(meta *Meta)
	}

	// screenResult is the outcome of the pre-forward stages.
	screenResult struct {
		client *clients.ClientConfig
		meta   *Meta
	}
)

// New assembles a Gateway, validating that every collaborator is present.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("pipeline: client store is required")
	case opts.Limiter == nil:
		return nil, errors.New("pipeline: rate limiter is required")
	case opts.Providers == nil:
		return nil, errors.New("pipeline: provider source is required")
	case opts.Injection == nil:
		return nil, errors.New("pipeline: injection scorer is required")
	case opts.RequestPII == nil:
		return nil, errors.New("pipeline: request PII scanner is required")
	case opts.ResponsePII == nil:
		return nil, errors.New("pipeline: response PII scanner is required")
	case opts.Audit == nil:
		return nil, errors.New("pipeline: audit sink is required")
	}
	return &Gateway{
		store:      opts.Store,
		limiter:    opts.Limiter,
		providers:  opts.Providers,
		injection:  opts.Injection,
		requestPII: opts.RequestPII,
		respPII:    opts.ResponsePII,
		audit:      opts.Audit,
		noStream:   opts.DisableStreaming,
		now:        time.Now,
	}, nil
}

// Complete runs the pipeline for a non-streaming request. The returned Meta
// is never nil. A non-nil apierr.Error means the request was denied or the
// upstream failed; the response is nil in that case.
func (g *Gateway) Complete(ctx context.Context, requestID, apiKey string, req *model.Request) (*model.Response, *Meta, *apierr.Error) {
	rec := audit.NewRecord(requestID)
	rec.Model = req.Model
	defer g.writeRecord(ctx, rec)

	sr, aerr := g.screen(ctx, rec, apiKey, req)
	if aerr != nil {
		rec.Outcome = audit.OutcomeDenied
		return nil, sr.meta, aerr
	}
	rec.ClientID = sr.client.ClientID
	rec.Provider = sr.client.Provider

	client, err := g.providers.Client(ctx, sr.client.Provider)
	if err != nil {
		log.Errorf(ctx, err, "provider construction failed")
		rec.Outcome = audit.OutcomeUpstreamError
		return nil, sr.meta, apierr.New(apierr.KindUpstreamError, "upstream provider unavailable")
	}

	start := g.now()
	resp, err := client.Complete(ctx, req, credential(sr.client))
	rec.UpstreamLatencyMS = g.now().Sub(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			rec.Outcome = audit.OutcomeClientCancelled
			return nil, sr.meta, apierr.New(apierr.KindUpstreamError, "client closed the connection")
		}
		log.Errorf(ctx, err, "upstream completion failed")
		rec.Outcome = audit.OutcomeUpstreamError
		return nil, sr.meta, upstreamAPIError(err)
	}

	if aerr := g.scanResponse(ctx, rec, resp); aerr != nil {
		rec.Outcome = audit.OutcomeDenied
		return nil, sr.meta, aerr
	}
	rec.Outcome = audit.OutcomeAllowed
	return resp, sr.meta, nil
}

// Stream runs the pipeline for a streaming request. Denials before the first
// forwarded chunk are returned as an apierr.Error so the transport can render
// a JSON response; once relay has begun, failures are delivered through the
// sink as error events and the terminal sentinel is withheld.
func (g *Gateway) Stream(ctx context.Context, requestID, apiKey string, req *model.Request, sink StreamSink) (*Meta, *apierr.Error) {
	rec := audit.NewRecord(requestID)
	rec.Model = req.Model
	rec.Stream = true
	defer g.writeRecord(ctx, rec)

	sr, aerr := g.screen(ctx, rec, apiKey, req)
	if aerr != nil {
		rec.Outcome = audit.OutcomeDenied
		return sr.meta, aerr
	}
	rec.ClientID = sr.client.ClientID
	rec.Provider = sr.client.Provider
	if ms, ok := sink.(MetaSink); ok {
		ms.Meta(sr.meta)
	}

	client, err := g.providers.Client(ctx, sr.client.Provider)
	if err != nil {
		log.Errorf(ctx, err, "provider construction failed")
		rec.Outcome = audit.OutcomeUpstreamError
		return sr.meta, apierr.New(apierr.KindUpstreamError, "upstream provider unavailable")
	}

	start := g.now()
	streamer, err := client.Stream(ctx, req, credential(sr.client))
	if err != nil {
		rec.UpstreamLatencyMS = g.now().Sub(start).Milliseconds()
		if ctx.Err() != nil {
			rec.Outcome = audit.OutcomeClientCancelled
			return sr.meta, apierr.New(apierr.KindUpstreamError, "client closed the connection")
		}
		log.Errorf(ctx, err, "upstream stream failed")
		rec.Outcome = audit.OutcomeUpstreamError
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return sr.meta, apierr.New(apierr.KindStreamingUnsupported, "provider does not support streaming")
		}
		return sr.meta, upstreamAPIError(err)
	}
	defer streamer.Close()

	aerr = g.relay(ctx, rec, requestID, streamer, sink)
	rec.UpstreamLatencyMS = g.now().Sub(start).Milliseconds()
	return sr.meta, aerr
}

// relay forwards chunks as they arrive, accumulating the text deltas for the
// post-scan. The terminal sentinel is held back until the scan clears.
func (g *Gateway) relay(ctx context.Context, rec *audit.Record, requestID string, streamer model.Streamer, sink StreamSink) *apierr.Error {
	var (
		text      string
		forwarded bool
	)
	for {
		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				rec.Outcome = audit.OutcomeClientCancelled
				return nil
			}
			log.Errorf(ctx, err, "upstream stream broke")
			rec.Outcome = audit.OutcomeUpstreamError
			aerr := upstreamAPIError(err)
			if !forwarded {
				return aerr
			}
			g.sendError(ctx, sink, requestID, aerr)
			return nil
		}
		text += chunk.TextDelta
		if err := sink.Send(ctx, chunk.Data); err != nil {
			rec.Outcome = audit.OutcomeClientCancelled
			return nil
		}
		forwarded = true
	}

	scan := g.scanStreamText(ctx, rec, text)
	if scan != nil {
		if !forwarded {
			rec.Outcome = audit.OutcomeDenied
			return scan
		}
		// Deltas already reached the client; the forward itself succeeded
		// and the block is recorded in the response scan.
		rec.Outcome = audit.OutcomeAllowed
		g.sendError(ctx, sink, requestID, scan)
		return nil
	}
	if err := sink.Done(ctx); err != nil {
		rec.Outcome = audit.OutcomeClientCancelled
		return nil
	}
	rec.Outcome = audit.OutcomeAllowed
	return nil
}

func (g *Gateway) sendError(ctx context.Context, sink StreamSink, requestID string, aerr *apierr.Error) {
	if err := sink.Send(ctx, apierr.Body(aerr.Kind, aerr.Message, requestID)); err != nil {
		log.Errorf(ctx, err, "failed to deliver stream error event")
	}
}

// screen runs the pre-forward stages in order, recording each decision.
func (g *Gateway) screen(ctx context.Context, rec *audit.Record, apiKey string, req *model.Request) (*screenResult, *apierr.Error) {
	sr := &screenResult{meta: &Meta{}}

	// Authentication.
	if apiKey == "" {
		rec.AddStage(audit.Stage{Name: StageAuth, ReasonCode: string(apierr.KindUnauthenticated)})
		return sr, apierr.New(apierr.KindUnauthenticated, "missing API key")
	}
	cc, err := g.store.Lookup(ctx, apiKey)
	switch {
	case errors.Is(err, clients.ErrNotFound):
		rec.AddStage(audit.Stage{Name: StageAuth, ReasonCode: string(apierr.KindUnauthenticated)})
		return sr, apierr.New(apierr.KindUnauthenticated, "invalid API key")
	case err != nil:
		log.Errorf(ctx, err, "client store lookup failed")
		rec.AddStage(audit.Stage{Name: StageAuth, ReasonCode: string(apierr.KindStoreUnavailable)})
		return sr, apierr.New(apierr.KindStoreUnavailable, "client store unavailable")
	case cc.Suspended():
		rec.AddStage(audit.Stage{Name: StageAuth, ReasonCode: string(apierr.KindClientSuspended)})
		return sr, apierr.New(apierr.KindClientSuspended, "client is suspended")
	}
	sr.client = cc
	rec.AddStage(audit.Stage{Name: StageAuth, Allow: true})

	// Rate limiting. A rejected request does not consume a window slot.
	res, err := g.limiter.Check(ctx, cc.ClientID, cc.RateLimitRPM)
	if err != nil {
		log.Errorf(ctx, err, "rate limiter check failed")
		rec.AddStage(audit.Stage{Name: StageRateLimit, ReasonCode: string(apierr.KindInternal)})
		return sr, apierr.New(apierr.KindInternal, "rate limiter unavailable")
	}
	sr.meta.Rate = &res
	if !res.Allowed {
		rec.AddStage(audit.Stage{Name: StageRateLimit, ReasonCode: string(apierr.KindRateLimited), Detail: map[string]any{
			"limit": res.Limit,
		}})
		return sr, apierr.New(apierr.KindRateLimited, "rate limit exceeded")
	}
	rec.AddStage(audit.Stage{Name: StageRateLimit, Allow: true})

	// Model allowlist.
	if !cc.ModelAllowed(req.Model) {
		rec.AddStage(audit.Stage{Name: StageModelAllow, ReasonCode: string(apierr.KindModelNotAllowed), Detail: map[string]any{
			"model": req.Model,
		}})
		return sr, apierr.New(apierr.KindModelNotAllowed, fmt.Sprintf("model %q is not allowed for this client", req.Model))
	}
	rec.AddStage(audit.Stage{Name: StageModelAllow, Allow: true})

	// Injection scoring over user-controlled text only.
	inj := g.injection.Scan(req.UserText())
	if inj.Blocked {
		rec.AddStage(audit.Stage{Name: StageInjectionScan, ReasonCode: string(apierr.KindInjectionBlocked), Detail: map[string]any{
			"score":      inj.Score,
			"patterns":   inj.Patterns,
			"categories": inj.Categories,
		}})
		log.Print(ctx, log.KV{K: "msg", V: "injection blocked"}, log.KV{K: "score", V: inj.Score}, log.KV{K: "client_id", V: cc.ClientID})
		return sr, apierr.New(apierr.KindInjectionBlocked, "request blocked by injection filter").WithDetail(map[string]any{
			"score": inj.Score,
		})
	}
	stage := audit.Stage{Name: StageInjectionScan, Allow: true}
	if inj.Score > 0 {
		stage.Detail = map[string]any{"score": inj.Score, "patterns": inj.Patterns}
	}
	rec.AddStage(stage)

	// PII over the whole conversation.
	piiRes := g.requestPII.Scan(req.AllText())
	switch {
	case piiRes.Count == 0:
		rec.AddStage(audit.Stage{Name: StagePIIScan, Allow: true})
	case g.requestPII.Action() == pii.ActionBlock:
		rec.AddStage(audit.Stage{Name: StagePIIScan, ReasonCode: string(apierr.KindPIIBlocked), Detail: map[string]any{
			"types": piiRes.Types,
			"count": piiRes.Count,
		}})
		return sr, apierr.New(apierr.KindPIIBlocked, "request contains blocked PII").WithDetail(map[string]any{
			"types": piiRes.Types,
		})
	case g.requestPII.Action() == pii.ActionRedact:
		for _, m := range req.Messages {
			if m.Content == "" {
				continue
			}
			if redacted := pii.RedactText(m.Content); redacted != m.Content {
				m.SetContent(redacted)
			}
		}
		rec.AddStage(audit.Stage{Name: StagePIIScan, Allow: true, Detail: map[string]any{
			"types":    piiRes.Types,
			"count":    piiRes.Count,
			"redacted": true,
		}})
	default:
		log.Print(ctx, log.KV{K: "msg", V: "PII detected in request"}, log.KV{K: "types", V: piiRes.Types}, log.KV{K: "client_id", V: cc.ClientID})
		rec.AddStage(audit.Stage{Name: StagePIIScan, Allow: true, Detail: map[string]any{
			"types": piiRes.Types,
			"count": piiRes.Count,
		}})
	}

	// Streaming gate.
	if req.Stream {
		if g.noStream {
			rec.AddStage(audit.Stage{Name: StageStreamingGate, ReasonCode: string(apierr.KindStreamingUnsupported)})
			return sr, apierr.New(apierr.KindStreamingUnsupported, "streaming is disabled on this gateway")
		}
		rec.AddStage(audit.Stage{Name: StageStreamingGate, Allow: true})
	}

	return sr, nil
}

// scanResponse applies the response-side scans to a buffered completion.
// Injection scores are advisory; the PII action decides between redaction,
// blocking and logging.
func (g *Gateway) scanResponse(ctx context.Context, rec *audit.Record, resp *model.Response) *apierr.Error {
	text := resp.Text()
	scan := &audit.ResponseScan{}
	rec.ResponseScan = scan

	inj := g.injection.Scan(text)
	scan.InjectionScore = inj.Score
	if inj.Score > 0 {
		log.Print(ctx, log.KV{K: "msg", V: "injection patterns in response"}, log.KV{K: "score", V: inj.Score}, log.KV{K: "patterns", V: inj.Patterns})
	}

	piiRes := g.respPII.Scan(text)
	if piiRes.Count == 0 {
		return nil
	}
	scan.PIITypes = piiRes.Types
	scan.PIIAction = string(g.respPII.Action())
	switch g.respPII.Action() {
	case pii.ActionBlock:
		scan.Blocked = true
		return apierr.New(apierr.KindResponseBlocked, "response contains blocked PII")
	case pii.ActionRedact:
		if err := resp.Redact(pii.RedactText); err != nil {
			log.Errorf(ctx, err, "response redaction failed")
			scan.Blocked = true
			return apierr.New(apierr.KindResponseBlocked, "response could not be redacted")
		}
	default:
		log.Print(ctx, log.KV{K: "msg", V: "PII detected in response"}, log.KV{K: "types", V: piiRes.Types})
	}
	return nil
}

// scanStreamText applies the response-side scans to the accumulated stream
// text. Redaction cannot rewrite chunks that already reached the client, so
// redact degrades to logging for streams; block withholds the terminal.
func (g *Gateway) scanStreamText(ctx context.Context, rec *audit.Record, text string) *apierr.Error {
	scan := &audit.ResponseScan{}
	rec.ResponseScan = scan

	inj := g.injection.Scan(text)
	scan.InjectionScore = inj.Score
	if inj.Score > 0 {
		log.Print(ctx, log.KV{K: "msg", V: "injection patterns in stream"}, log.KV{K: "score", V: inj.Score})
	}

	piiRes := g.respPII.Scan(text)
	if piiRes.Count == 0 {
		return nil
	}
	scan.PIITypes = piiRes.Types
	scan.PIIAction = string(g.respPII.Action())
	if g.respPII.Action() == pii.ActionBlock {
		scan.Blocked = true
		return apierr.New(apierr.KindResponseBlocked, "response contains blocked PII")
	}
	log.Print(ctx, log.KV{K: "msg", V: "PII detected in stream"}, log.KV{K: "types", V: piiRes.Types})
	return nil
}

func (g *Gateway) writeRecord(ctx context.Context, rec *audit.Record) {
	if err := g.audit.Write(ctx, rec); err != nil {
		log.Errorf(ctx, err, "audit record write failed")
	}
}

func credential(cc *clients.ClientConfig) model.Credential {
	return model.Credential{APIKey: cc.UpstreamAPIKey, ModelID: cc.BedrockModelID}
}

// upstreamAPIError maps provider failures onto client-visible errors.
func upstreamAPIError(err error) *apierr.Error {
	if errors.Is(err, model.ErrUpstreamTimeout) {
		return apierr.New(apierr.KindUpstreamTimeout, "upstream request timed out")
	}
	if pe, ok := model.AsProviderError(err); ok {
		switch pe.Kind() {
		case model.ProviderErrorKindInvalidRequest:
			// Provider rejections surface as upstream errors; the request
			// passed this gateway's own validation.
			msg := pe.Message()
			if msg == "" {
				msg = "upstream rejected the request"
			}
			return apierr.New(apierr.KindUpstreamError, msg)
		case model.ProviderErrorKindTimeout:
			return apierr.New(apierr.KindUpstreamTimeout, "upstream request timed out")
		default:
			return apierr.New(apierr.KindUpstreamError, "upstream request failed")
		}
	}
	return apierr.New(apierr.KindUpstreamError, "upstream request failed")
}
