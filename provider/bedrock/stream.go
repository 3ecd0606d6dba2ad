package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/llmgate/model"
)

type (
	// OpenAI wire shapes synthesized by the adapter.
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

// streamer adapts a Converse event stream to model.Streamer, synthesizing
// chat.completion.chunk payloads as events arrive. The upstream terminal is
// surfaced as io.EOF, never as a chunk.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	id      string
	model   string
	created int64

	chunks chan model.Chunk

	errMu    sync.Mutex
	finalErr error
	errSet   bool
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, id, modelName string, created int64) *streamer {
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
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(wrapBedrockError("converse_stream", err))
				}
				return
			}
			if err := s.handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *streamer) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return s.emit(chunkDelta{Role: model.RoleAssistant}, nil, "")
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		if text, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && text.Value != "" {
			return s.emit(chunkDelta{Content: text.Value}, nil, text.Value)
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		reason := finishReason(ev.Value.StopReason)
		return s.emit(chunkDelta{}, &reason, "")
	default:
		// contentBlockStart/Stop and metadata carry nothing the canonical
		// stream relays.
		return nil
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
