package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"goa.design/llmgate/model"
)

// sseStreamer adapts an upstream text/event-stream body to model.Streamer.
// Each "data:" event becomes one Chunk; the [DONE] sentinel is consumed and
// surfaced as io.EOF so the caller owns terminal emission.
type sseStreamer struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

func newSSEStreamer(body io.ReadCloser, cancel context.CancelFunc) *sseStreamer {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStreamer{body: body, scanner: sc, cancel: cancel}
}

func (s *sseStreamer) Recv() (model.Chunk, error) {
	if s.done {
		return model.Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Non-data fields (event:, id:) carry nothing the gateway relays.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return model.Chunk{}, io.EOF
		}
		return parseChunk([]byte(data)), nil
	}
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return model.Chunk{}, context.Canceled
		}
		return model.Chunk{}, err
	}
	// Upstream closed without [DONE]; treat as terminal.
	s.done = true
	return model.Chunk{}, io.EOF
}

func (s *sseStreamer) Close() error {
	s.done = true
	if s.cancel != nil {
		s.cancel()
	}
	return s.body.Close()
}

// parseChunk extracts the scan-relevant fields from a chat.completion.chunk
// event while keeping the raw payload for relay. Malformed events are relayed
// untouched with no extracted text.
func parseChunk(data []byte) model.Chunk {
	chunk := model.Chunk{Data: bytes.Clone(data)}
	var event struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return chunk
	}
	for _, c := range event.Choices {
		chunk.TextDelta += c.Delta.Content
		if c.FinishReason != "" {
			chunk.FinishReason = c.FinishReason
		}
	}
	return chunk
}
