package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type (
	// Request is a chat completion request in the canonical OpenAI shape.
	// Only the fields the pipeline inspects are parsed; every other top-level
	// parameter (temperature, max_tokens, tools, ...) is preserved opaquely and
	// round-trips byte-for-byte so upstreams see the body the client sent.
	Request struct {
		// Model is the requested model identifier.
		Model string
		// Messages is the ordered conversation. Never empty for a valid request.
		Messages []*Message
		// Stream reports whether the client asked for a streamed response.
		Stream bool

		streamSet bool
		extra     map[string]json.RawMessage
	}

	// Message is one conversation entry. Content is parsed when it is a plain
	// string; non-string content (multi-part payloads) is preserved opaquely
	// and excluded from scanning.
	Message struct {
		// Role is the message role ("system", "user", "assistant", "tool").
		Role string
		// Content is the message text, empty when the original content was not
		// a JSON string.
		Content string

		contentRaw json.RawMessage
		extra      map[string]json.RawMessage
	}

	// Response is a non-streaming upstream reply. Body carries the upstream
	// payload verbatim; it is only re-encoded when response-side redaction
	// mutates message content.
	Response struct {
		// StatusCode is the upstream HTTP status.
		StatusCode int
		// Body is the upstream response body in the canonical OpenAI shape.
		Body []byte
	}
)

// ErrNoMessages indicates a request without any conversation messages.
var ErrNoMessages = errors.New("model: messages are required")

// ParseRequest decodes a canonical chat completion request, validating the
// invariants the pipeline relies on: well-formed JSON and a non-empty
// messages array.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("model: decode request: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	return &req, nil
}

// UnmarshalJSON decodes the request, splitting the inspected fields from the
// opaque remainder.
func (r *Request) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = Request{extra: fields}
	if raw, ok := fields["model"]; ok {
		if err := json.Unmarshal(raw, &r.Model); err != nil {
			return fmt.Errorf("model field: %w", err)
		}
		delete(fields, "model")
	}
	if raw, ok := fields["stream"]; ok {
		if err := json.Unmarshal(raw, &r.Stream); err != nil {
			return fmt.Errorf("stream field: %w", err)
		}
		r.streamSet = true
		delete(fields, "stream")
	}
	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &r.Messages); err != nil {
			return fmt.Errorf("messages field: %w", err)
		}
		delete(fields, "messages")
	}
	return nil
}

// MarshalJSON re-assembles the request, emitting opaque parameters unchanged
// next to the (possibly mutated) parsed fields.
func (r *Request) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.extra)+3)
	for k, v := range r.extra {
		fields[k] = v
	}
	mraw, err := json.Marshal(r.Model)
	if err != nil {
		return nil, err
	}
	fields["model"] = mraw
	msgs, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, err
	}
	fields["messages"] = msgs
	if r.streamSet || r.Stream {
		sraw, err := json.Marshal(r.Stream)
		if err != nil {
			return nil, err
		}
		fields["stream"] = sraw
	}
	return json.Marshal(fields)
}

// Param returns the raw value of an opaque top-level parameter such as
// "temperature" or "max_tokens". Adapters that cannot forward the body
// verbatim use it to translate individual parameters.
func (r *Request) Param(name string) (json.RawMessage, bool) {
	raw, ok := r.extra[name]
	return raw, ok
}

// UserText returns the combined user-provided input: the contents of all
// "user" and "tool" messages joined by newlines. System and assistant
// messages are excluded because they are not user-controlled.
func (r *Request) UserText() string {
	var parts []string
	for _, m := range r.Messages {
		if m == nil {
			continue
		}
		if (m.Role == RoleUser || m.Role == RoleTool) && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// AllText returns every parsed message content joined by newlines, regardless
// of role. Used by the request-side PII scan, which covers operator-supplied
// system prompts as well as user input.
func (r *Request) AllText() string {
	var parts []string
	for _, m := range r.Messages {
		if m == nil || m.Content == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// UnmarshalJSON decodes a message, keeping non-string content and unknown
// fields opaque.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = Message{extra: fields}
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &m.Role); err != nil {
			return fmt.Errorf("role field: %w", err)
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		var s string
		if string(raw) != "null" && json.Unmarshal(raw, &s) == nil {
			m.Content = s
		} else {
			m.contentRaw = raw
		}
		delete(fields, "content")
	}
	return nil
}

// MarshalJSON re-assembles the message. Content mutated via SetContent is
// emitted as a string; untouched non-string content round-trips verbatim.
func (m *Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.extra)+2)
	for k, v := range m.extra {
		fields[k] = v
	}
	rraw, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	fields["role"] = rraw
	if m.contentRaw != nil {
		fields["content"] = m.contentRaw
	} else {
		craw, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		fields["content"] = craw
	}
	return json.Marshal(fields)
}

// SetContent replaces the message text. Any opaque non-string content is
// dropped in favor of the new string.
func (m *Message) SetContent(s string) {
	m.Content = s
	m.contentRaw = nil
}

// Contents extracts the assistant message contents from the response body
// (choices[].message.content). Malformed or non-string entries are skipped.
func (r *Response) Contents() []string {
	choices, err := r.decodeChoices()
	if err != nil {
		return nil
	}
	var out []string
	for _, c := range choices {
		if s, ok := choiceContent(c); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Text returns the concatenated assistant contents for response-side scanning.
func (r *Response) Text() string {
	return strings.Join(r.Contents(), "\n")
}

// Redact applies fn to every assistant message content and, when any content
// changes, re-encodes the body with the mutated strings. Untouched fields are
// preserved byte-for-byte.
func (r *Response) Redact(fn func(string) string) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &top); err != nil {
		return fmt.Errorf("model: decode response: %w", err)
	}
	rawChoices, ok := top["choices"]
	if !ok {
		return nil
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(rawChoices, &choices); err != nil {
		return fmt.Errorf("model: decode choices: %w", err)
	}
	changed := false
	for _, c := range choices {
		s, ok := choiceContent(c)
		if !ok {
			continue
		}
		red := fn(s)
		if red == s {
			continue
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(c["message"], &msg); err != nil {
			continue
		}
		craw, err := json.Marshal(red)
		if err != nil {
			return err
		}
		msg["content"] = craw
		mraw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		c["message"] = mraw
		changed = true
	}
	if !changed {
		return nil
	}
	craw, err := json.Marshal(choices)
	if err != nil {
		return err
	}
	top["choices"] = craw
	body, err := json.Marshal(top)
	if err != nil {
		return err
	}
	r.Body = body
	return nil
}

func (r *Response) decodeChoices() ([]map[string]json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &top); err != nil {
		return nil, err
	}
	raw, ok := top["choices"]
	if !ok {
		return nil, nil
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &choices); err != nil {
		return nil, err
	}
	return choices, nil
}

func choiceContent(choice map[string]json.RawMessage) (string, bool) {
	rawMsg, ok := choice["message"]
	if !ok {
		return "", false
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		return "", false
	}
	rawContent, ok := msg["content"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(rawContent, &s); err != nil {
		return "", false
	}
	return s, true
}
