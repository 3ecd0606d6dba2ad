package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"goa.design/llmgate/pipeline"
)

// sseSink renders pipeline stream events as server-sent events. Headers are
// committed lazily on the first event so pre-relay denials can still travel
// as plain JSON error responses.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	meta    *pipeline.Meta
	started bool
}

// Meta implements pipeline.MetaSink.
func (s *sseSink) Meta(meta *pipeline.Meta) { s.meta = meta }

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	if s.meta != nil && s.meta.Rate != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(s.meta.Rate.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(s.meta.Rate.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(int(s.meta.Rate.Reset/time.Second)+1))
	}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher, _ = s.w.(http.Flusher)
}

// Send implements pipeline.StreamSink.
func (s *sseSink) Send(ctx context.Context, data []byte) error {
	s.start()
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Done implements pipeline.StreamSink.
func (s *sseSink) Done(ctx context.Context) error {
	s.start()
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
