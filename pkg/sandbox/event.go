package sandbox

// Raw event envelope types emitted by the agent process.
const (
	EventMessage  = "message"
	EventComplete = "complete"
	EventError    = "error"
)

// Message is a prior conversation turn sent along with a query.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is a raw event envelope as decoded from the agent's SSE stream:
// {"type": "...", "data": {...}, ...}. It is kept as a map because the
// payload shape depends on the agent engine.
type Event map[string]any

// ErrorEvent builds a terminal error event.
func ErrorEvent(msg string) Event {
	return Event{"type": EventError, "message": msg}
}

// Type returns the envelope type.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// Data returns the nested payload of a message event, or nil.
func (e Event) Data() map[string]any {
	d, _ := e["data"].(map[string]any)
	return d
}

// Message returns the error message of an error event.
func (e Event) Message() string {
	if s, ok := e["message"].(string); ok && s != "" {
		return s
	}
	return "Unknown error"
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	t := e.Type()
	return t == EventComplete || t == EventError
}
