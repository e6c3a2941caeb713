package translate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Done is the sentinel payload that ends an OpenAI SSE stream.
const Done = "[DONE]"

const (
	FinishStop  = "stop"
	FinishError = "error"
)

// ErrAgent wraps error events collected from a non-streaming turn.
var ErrAgent = errors.New("agent error")

// ChatCompletionChunk is one streamed OpenAI chat.completion.chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletion is a non-streaming OpenAI chat.completion response.
type ChatCompletion struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []Choice    `json:"choices"`
	Usage   OpenAIUsage `json:"usage"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      sandbox.Message `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionID returns an OpenAI style completion id.
func CompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ErrorText renders an agent error as user-visible text.
func ErrorText(msg string) string {
	return fmt.Sprintf("\n\n[Error: %s]\n", msg)
}

// OpenAIStream collapses a raw event stream into OpenAI chunk deltas. Only
// assistant text is forwarded; the stream ends with exactly one chunk
// carrying a finish reason.
type OpenAIStream struct {
	ID      string
	Created int64
	Model   string

	done bool
}

// NewOpenAIStream starts a stream for model.
func NewOpenAIStream(model string) *OpenAIStream {
	return &OpenAIStream{ID: CompletionID(), Created: time.Now().Unix(), Model: model}
}

// Done reports whether the terminal chunk has been produced.
func (s *OpenAIStream) Done() bool { return s.done }

// Next returns the chunk for raw, if any. Once a terminal chunk has been
// produced every later event is ignored.
func (s *OpenAIStream) Next(raw sandbox.Event) (*ChatCompletionChunk, bool) {
	if s.done {
		return nil, false
	}
	ev, ok := Translate(raw)
	if !ok {
		return nil, false
	}
	switch ev.Kind {
	case KindText:
		return s.chunk(Delta{Role: "assistant", Content: ev.Text}, nil), true
	case KindComplete:
		s.done = true
		reason := FinishStop
		return s.chunk(Delta{}, &reason), true
	case KindError:
		s.done = true
		reason := FinishError
		return s.chunk(Delta{Content: ErrorText(ev.Error)}, &reason), true
	}
	return nil, false
}

// Finish returns the terminal chunk for a stream that ended without one,
// or nil when the stream already finished.
func (s *OpenAIStream) Finish(reason string) *ChatCompletionChunk {
	if s.done {
		return nil
	}
	s.done = true
	return s.chunk(Delta{}, &reason)
}

func (s *OpenAIStream) chunk(d Delta, finish *string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      s.ID,
		Object:  "chat.completion.chunk",
		Created: s.Created,
		Model:   s.Model,
		Choices: []ChunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
	}
}

// Collect drains raw into a single completion. The agent's final result is
// preferred over the concatenated text deltas. An error event fails the
// whole completion with ErrAgent.
func Collect(raw <-chan sandbox.Event, model string) (*ChatCompletion, error) {
	var (
		parts []string
		meta  *Metadata
	)
	for r := range raw {
		ev, ok := Translate(r)
		if !ok {
			continue
		}
		switch ev.Kind {
		case KindText:
			parts = append(parts, ev.Text)
		case KindMetadata:
			meta = ev.Metadata
		case KindError:
			// Drain so the producer can finish.
			for range raw {
			}
			return nil, fmt.Errorf("%w: %s", ErrAgent, ev.Error)
		}
	}

	content := strings.Join(parts, "")
	var usage OpenAIUsage
	if meta != nil {
		if meta.FinalContent != "" {
			content = meta.FinalContent
		}
		usage = OpenAIUsage{
			PromptTokens:     meta.Usage.InputTokens,
			CompletionTokens: meta.Usage.OutputTokens,
			TotalTokens:      meta.Usage.TotalTokens,
		}
	}
	return &ChatCompletion{
		ID:      CompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      sandbox.Message{Role: "assistant", Content: content},
			FinishReason: FinishStop,
		}},
		Usage: usage,
	}, nil
}
