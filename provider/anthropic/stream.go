package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/llmgate/model"
)

type (
	chatCompletion struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   *chatUsage   `json:"usage,omitempty"`
	}

	chatChoice struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	chunkEvent struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
)

// streamer adapts the SDK event stream to model.Streamer, synthesizing
// chat.completion.chunk payloads. io.EOF marks the upstream terminal.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	id      string
	model   string
	created int64

	chunks chan model.Chunk

	errMu    sync.Mutex
	finalErr error
	errSet   bool
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], id, modelName string, created int64) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:     cctx,
		cancel:  cancel,
		stream:  stream,
		id:      id,
		model:   modelName,
		created: created,
		chunks:  make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)

	for s.stream.Next() {
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			if err := s.emit(chunkDelta{Role: model.RoleAssistant}, nil, ""); err != nil {
				s.setErr(err)
				return
			}
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				if err := s.emit(chunkDelta{Content: delta.Text}, nil, delta.Text); err != nil {
					s.setErr(err)
					return
				}
			}
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				reason := finishReason(string(ev.Delta.StopReason))
				if err := s.emit(chunkDelta{}, &reason, ""); err != nil {
					s.setErr(err)
					return
				}
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(wrapAnthropicError("messages.stream", err))
	}
}

func (s *streamer) emit(delta chunkDelta, finish *string, textDelta string) error {
	payload, err := json.Marshal(chunkEvent{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	chunk := model.Chunk{Data: payload, TextDelta: textDelta}
	if finish != nil {
		chunk.FinishReason = *finish
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
