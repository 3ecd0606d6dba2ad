// Package server exposes the gateway over HTTP: a single OpenAI-compatible
// chat completions endpoint plus a health probe. The transport layer owns
// request identity, header rendering and SSE framing; all policy lives in the
// pipeline.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/llmgate/apierr"
	"goa.design/llmgate/model"
	"goa.design/llmgate/pipeline"
)

// Version is stamped at build time.
var Version = "dev"

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-Id"

	// maxBodyBytes caps request bodies at 10 MiB.
	maxBodyBytes = 10 << 20
)

// Server binds the pipeline to HTTP.
type Server struct {
	gw *pipeline.Gateway
}

// New builds the server.
func New(gw *pipeline.Gateway) *Server { return &Server{gw: gw} }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(headerRequestID, requestID)
	ctx := log.With(r.Context(), log.KV{K: "request_id", V: requestID})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, requestID, apierr.New(apierr.KindInvalidRequest, "unable to read request body"), nil)
		return
	}
	req, err := model.ParseRequest(body)
	if err != nil {
		writeError(w, requestID, apierr.New(apierr.KindInvalidRequest, "invalid chat completion request"), nil)
		return
	}

	apiKey := r.Header.Get(headerAPIKey)
	if req.Stream {
		s.serveStream(ctx, w, requestID, apiKey, req)
		return
	}

	resp, meta, aerr := s.gw.Complete(ctx, requestID, apiKey, req)
	if aerr != nil {
		writeError(w, requestID, aerr, meta)
		return
	}
	writeRateHeaders(w, meta)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		log.Errorf(ctx, err, "failed to write response body")
	}
}

func (s *Server) serveStream(ctx context.Context, w http.ResponseWriter, requestID, apiKey string, req *model.Request) {
	sink := &sseSink{w: w}
	meta, aerr := s.gw.Stream(ctx, requestID, apiKey, req, sink)
	if aerr != nil {
		// Nothing has been written yet when the pipeline returns an error.
		writeError(w, requestID, aerr, meta)
		return
	}
	if !sink.started {
		// Stream ended without a single event (empty upstream); emit valid
		// SSE framing anyway.
		sink.start()
	}
}

func writeRateHeaders(w http.ResponseWriter, meta *pipeline.Meta) {
	if meta == nil || meta.Rate == nil {
		return
	}
	rate := meta.Rate
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(rate.Reset/time.Second)+1))
}

func writeError(w http.ResponseWriter, requestID string, aerr *apierr.Error, meta *pipeline.Meta) {
	writeRateHeaders(w, meta)
	status := apierr.Status(aerr.Kind)
	if status == http.StatusTooManyRequests && meta != nil && meta.Rate != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(meta.Rate.Reset/time.Second)+1))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(apierr.Body(aerr.Kind, aerr.Message, requestID))
}
