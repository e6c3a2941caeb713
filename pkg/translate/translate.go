// Package translate reshapes the raw agent event stream for API consumers.
// Every function here is pure: output order matches input order and bad
// input degrades to an error event instead of failing.
package translate

import (
	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Kind discriminates generic events.
type Kind string

const (
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindThinking   Kind = "thinking"
	KindTodo       Kind = "todo"
	KindMetadata   Kind = "metadata"
	KindSystem     Kind = "system"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
)

// Event is the generic, full-fidelity form of an agent event.
type Event struct {
	Kind      Kind   `json:"type"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Todos      []Todo      `json:"todos,omitempty"`
	Metadata   *Metadata   `json:"metadata,omitempty"`
	System     *System     `json:"system,omitempty"`

	// Status is set on complete events.
	Status string `json:"status,omitempty"`
	// Error and ErrorType are set on error events.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

type ToolUse struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Status string         `json:"status,omitempty"`
}

type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Output    any    `json:"output,omitempty"`
	IsError   bool   `json:"is_error"`
}

type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Metadata is the end-of-turn summary reported by the agent.
type Metadata struct {
	FinalContent string  `json:"final_content,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int     `json:"duration_ms"`
	Usage        Usage   `json:"usage"`
}

type System struct {
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Payload types carried inside raw "message" envelopes.
const (
	rawContent      = "content"
	rawThinking     = "thinking"
	rawToolUse      = "tool_use"
	rawToolStart    = "tool_start"
	rawToolComplete = "tool_complete"
	rawTodoUpdate   = "todo_update"
	rawMetadata     = "metadata"
	rawSystem       = "system"
)

// Translate converts a raw event. The boolean is false for events that have
// no generic form, which callers drop.
func Translate(raw sandbox.Event) (Event, bool) {
	switch raw.Type() {
	case sandbox.EventComplete:
		status := str(raw, "status")
		if status == "" {
			status = "success"
		}
		return Event{Kind: KindComplete, Status: status}, true
	case sandbox.EventError:
		return Event{Kind: KindError, Error: raw.Message(), ErrorType: str(raw, "error_type")}, true
	case sandbox.EventMessage:
		return translateMessage(raw.Data())
	}
	return Event{}, false
}

func translateMessage(d map[string]any) (Event, bool) {
	if d == nil {
		return Event{}, false
	}
	ts := str(d, "timestamp")
	switch str(d, "type") {
	case rawContent:
		text := str(d, "content")
		if text == "" {
			return Event{}, false
		}
		return Event{Kind: KindText, Text: text, Timestamp: ts}, true

	case rawThinking:
		return Event{Kind: KindThinking, Text: str(d, "content"), Timestamp: ts}, true

	case rawToolUse, rawToolStart:
		input, _ := d["tool_input"].(map[string]any)
		return Event{Kind: KindToolUse, Timestamp: ts, ToolUse: &ToolUse{
			ID:     str(d, "tool_use_id"),
			Name:   str(d, "tool_name"),
			Input:  input,
			Status: str(d, "status"),
		}}, true

	case rawToolComplete:
		id := str(d, "tool_use_id")
		if id == "" {
			id = str(d, "tool_name")
		}
		isErr, _ := d["is_error"].(bool)
		return Event{Kind: KindToolResult, Timestamp: ts, ToolResult: &ToolResult{
			ToolUseID: id,
			Output:    d["output"],
			IsError:   isErr,
		}}, true

	case rawTodoUpdate:
		return Event{Kind: KindTodo, Timestamp: ts, Todos: todos(d["todos"])}, true

	case rawMetadata:
		return Event{Kind: KindMetadata, Metadata: metadata(d)}, true

	case rawSystem:
		return Event{Kind: KindSystem, System: &System{
			Subtype:   str(d, "subtype"),
			SessionID: str(d, "session_id"),
		}}, true
	}
	return Event{}, false
}

func metadata(d map[string]any) *Metadata {
	m := &Metadata{
		FinalContent: str(d, "final_content"),
		CostUSD:      num(d, "cost_usd"),
		DurationMS:   int(num(d, "duration_ms")),
	}
	if u, ok := d["usage"].(map[string]any); ok {
		m.Usage = Usage{
			InputTokens:  int(num(u, "input_tokens")),
			OutputTokens: int(num(u, "output_tokens")),
			TotalTokens:  int(num(u, "total_tokens")),
		}
		if m.Usage.TotalTokens == 0 {
			m.Usage.TotalTokens = m.Usage.InputTokens + m.Usage.OutputTokens
		}
	}
	return m
}

func todos(v any) []Todo {
	items, _ := v.([]any)
	out := make([]Todo, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Todo{
			Content:    str(m, "content"),
			Status:     str(m, "status"),
			ActiveForm: str(m, "activeForm"),
		})
	}
	return out
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
