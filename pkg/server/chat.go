package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/session"
	"github.com/nstogner/agcluster/pkg/translate"
)

// ProtocolData selects the data stream rendering on the agent chat endpoint.
const ProtocolData = "data"

// AgentChatRequest is a turn on an existing session.
type AgentChatRequest struct {
	Messages  []sandbox.Message `json:"messages"`
	SessionID string            `json:"sessionId,omitempty"`
}

// ChatCompletionRequest is the subset of the OpenAI request that is honored.
type ChatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []sandbox.Message `json:"messages"`
	// Stream defaults to true.
	Stream *bool `json:"stream,omitempty"`
}

var (
	errNoSessionID   = errors.New("session id required, launch a session via /api/agents/launch first")
	errNoUserMessage = errors.New("no user message found in request")
)

// lastUserMessage returns the content of the final user message. Sandboxes
// keep their own conversation state, so earlier messages are not resent.
func lastUserMessage(msgs []sandbox.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// eventWriter writes a streaming response and flushes after every write.
type eventWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter, contentType string) *eventWriter {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: f}
}

func (e *eventWriter) raw(s string) error {
	if _, err := io.WriteString(e.w, s); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// data writes one SSE data line holding v as JSON.
func (e *eventWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.raw(fmt.Sprintf("data: %s\n\n", b))
}

func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	apiKey := bearer(r)
	if apiKey == "" {
		s.errorResponse(w, http.StatusUnauthorized, errMissingAuth)
		return
	}
	var req AgentChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	id := req.SessionID
	if id == "" {
		id = r.Header.Get("X-Session-ID")
	}
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, errNoSessionID)
		return
	}
	text, ok := lastUserMessage(req.Messages)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, errNoUserMessage)
		return
	}
	if _, ok := s.authorize(w, id, apiKey); !ok {
		return
	}

	events, err := s.sessions.Query(r.Context(), id, text, nil)
	if err != nil {
		s.fail(w, err)
		return
	}
	slog.Info("Processing message", "session", id, "protocol", r.URL.Query().Get("protocol"))

	if r.URL.Query().Get("protocol") == ProtocolData {
		s.streamData(w, events)
		return
	}
	s.streamGeneric(w, events)
}

func (s *Server) streamGeneric(w http.ResponseWriter, events <-chan sandbox.Event) {
	out := newEventWriter(w, "text/event-stream")
	for raw := range events {
		ev, ok := translate.Translate(raw)
		if !ok {
			continue
		}
		if err := out.data(ev); err != nil {
			slog.Warn("Client went away", "error", err)
			drain(events)
			return
		}
	}
}

func (s *Server) streamData(w http.ResponseWriter, events <-chan sandbox.Event) {
	w.Header().Set("X-Vercel-AI-Data-Stream", "v1")
	out := newEventWriter(w, "text/plain; charset=utf-8")
	var ds translate.DataStream
	for raw := range events {
		for _, part := range ds.Next(raw) {
			if err := out.raw(part); err != nil {
				slog.Warn("Client went away", "error", err)
				drain(events)
				return
			}
		}
	}
	if p := ds.Finish(translate.FinishError); p != "" {
		out.raw(p)
	}
}

// drain consumes the rest of events so the producer can exit.
func drain(events <-chan sandbox.Event) {
	for range events {
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	apiKey := bearer(r)
	if apiKey == "" {
		s.errorResponse(w, http.StatusUnauthorized, errMissingAuth)
		return
	}
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	text, ok := lastUserMessage(req.Messages)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, errNoUserMessage)
		return
	}

	id := session.ConversationID(r.Header.Get("X-Conversation-ID"), apiKey)
	sess, err := s.sessions.Resolve(r.Context(), id, session.CreateOptions{APIKey: apiKey})
	if err != nil {
		s.fail(w, err)
		return
	}
	if !sess.OwnedBy(apiKey) {
		s.fail(w, session.ErrForbidden)
		return
	}

	events, err := s.sessions.Query(r.Context(), id, text, nil)
	if err != nil {
		s.fail(w, err)
		return
	}

	if req.Stream != nil && !*req.Stream {
		completion, err := translate.Collect(events, req.Model)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, completion)
		return
	}

	out := newEventWriter(w, "text/event-stream")
	stream := translate.NewOpenAIStream(req.Model)
	for raw := range events {
		chunk, ok := stream.Next(raw)
		if !ok {
			continue
		}
		if err := out.data(chunk); err != nil {
			slog.Warn("Client went away", "session", id, "error", err)
			drain(events)
			return
		}
	}
	if chunk := stream.Finish(translate.FinishStop); chunk != nil {
		out.data(chunk)
	}
	out.raw("data: " + translate.Done + "\n\n")
}
