// Package audit emits one structured record per gateway request. Records are
// the forensic trail of the security pipeline: which stages ran, what each
// decided, and how the request ultimately ended. They are written as JSON
// lines to a sink that is safe for concurrent use.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"goa.design/clue/log"
)

// Request outcomes.
const (
	OutcomeAllowed         = "allowed"
	OutcomeDenied          = "denied"
	OutcomeUpstreamError   = "upstream_error"
	OutcomeClientCancelled = "client_cancelled"
)

type (
	// Record is the audit trail of one request.
	Record struct {
		// RequestID is the gateway-assigned request identifier.
		RequestID string `json:"request_id"`
		// Timestamp is the request arrival time in RFC 3339 form.
		Timestamp string `json:"timestamp"`
		// ClientID identifies the authenticated client, empty when
		// authentication failed.
		ClientID string `json:"client_id,omitempty"`
		// Model is the requested model identifier.
		Model string `json:"model,omitempty"`
		// Provider is the upstream adapter that served (or would have served)
		// the request.
		Provider string `json:"provider,omitempty"`
		// Stream reports whether the client asked for streaming.
		Stream bool `json:"stream"`
		// Stages lists every security stage that ran, in order.
		Stages []Stage `json:"stages"`
		// UpstreamLatencyMS is the upstream call duration, present only when
		// the request was forwarded.
		UpstreamLatencyMS int64 `json:"upstream_latency_ms,omitempty"`
		// ResponseScan summarizes response-side scanning when it ran.
		ResponseScan *ResponseScan `json:"response_scan,omitempty"`
		// Outcome is the terminal disposition of the request.
		Outcome string `json:"outcome"`
	}

	// Stage is one security stage decision.
	Stage struct {
		// Name identifies the stage ("auth", "rate_limit", ...).
		Name string `json:"name"`
		// Allow reports whether the stage let the request continue.
		Allow bool `json:"allow"`
		// ReasonCode is the machine-readable denial reason, empty on allow.
		ReasonCode string `json:"reason_code,omitempty"`
		// Detail carries stage-specific findings (score, pattern ids, PII
		// types).
		Detail map[string]any `json:"detail,omitempty"`
	}

	// ResponseScan summarizes the response-side injection and PII passes.
	ResponseScan struct {
		InjectionScore float64  `json:"injection_score"`
		PIITypes       []string `json:"pii_types,omitempty"`
		PIIAction      string   `json:"pii_action,omitempty"`
		Blocked        bool     `json:"blocked"`
	}

	// Sink persists records.
	Sink interface {
		Write(ctx context.Context, rec *Record) error
	}

	// JSONSink writes one JSON line per record, serialized by a mutex so
	// concurrent requests never interleave output.
	JSONSink struct {
		mu sync.Mutex
		w  io.Writer
	}

	multiSink []Sink
)

// NewRecord starts a record for a request arriving now.
func NewRecord(requestID string) *Record {
	return &Record{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// AddStage appends a stage decision.
func (r *Record) AddStage(s Stage) { r.Stages = append(r.Stages, s) }

// NewJSONSink builds a sink over w.
func NewJSONSink(w io.Writer) *JSONSink { return &JSONSink{w: w} }

// NewFileSink opens (or creates) path in append mode and returns a JSON sink
// over it.
func NewFileSink(path string) (*JSONSink, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return NewJSONSink(f), f.Close, nil
}

// Write implements Sink.
func (s *JSONSink) Write(ctx context.Context, rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

// NewMultiSink fans records out to every sink. A failing sink is logged and
// skipped; auditing must never fail a request.
func NewMultiSink(sinks ...Sink) Sink { return multiSink(sinks) }

func (m multiSink) Write(ctx context.Context, rec *Record) error {
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			log.Errorf(ctx, err, "audit sink write failed")
		}
	}
	return nil
}
