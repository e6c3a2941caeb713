package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nstogner/agcluster/pkg/translate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Websocket client message types.
const (
	WSMessage   = "message"
	WSInterrupt = "interrupt"
)

// WSRequest is a client frame. A frame without a type is a message.
type WSRequest struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *wsConn) sendError(msg string) error {
	return c.send(translate.Event{Kind: translate.KindError, Error: msg})
}

// handleChatWebSocket runs chat turns for one session over a websocket.
// Browsers cannot set headers on the upgrade request, so the API key may
// also be passed as the api_key query parameter.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	apiKey := bearer(r)
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	if _, ok := s.authorize(w, id, apiKey); !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	conn := &wsConn{ws: ws}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		wg       sync.WaitGroup
		turnMu   sync.Mutex
		inFlight bool
	)

	// Reader loop
	for {
		var req WSRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read error", "session", id, "error", err)
			}
			break
		}

		switch req.Type {
		case WSInterrupt:
			if err := s.sessions.Interrupt(ctx, id); err != nil {
				conn.sendError(err.Error())
			}
		case WSMessage, "":
			if req.Content == "" {
				continue
			}
			turnMu.Lock()
			busy := inFlight
			inFlight = true
			turnMu.Unlock()
			if busy {
				conn.sendError("a turn is already in progress")
				continue
			}

			wg.Add(1)
			go func(text string) {
				defer wg.Done()
				defer func() {
					turnMu.Lock()
					inFlight = false
					turnMu.Unlock()
				}()
				s.runTurn(ctx, conn, id, text)
			}(req.Content)
		default:
			conn.sendError("unknown message type " + req.Type)
		}
	}

	// Cancelling the turn interrupts the agent.
	cancel()
	wg.Wait()
}

func (s *Server) runTurn(ctx context.Context, conn *wsConn, id, text string) {
	events, err := s.sessions.Query(ctx, id, text, nil)
	if err != nil {
		conn.sendError(err.Error())
		return
	}
	for raw := range events {
		ev, ok := translate.Translate(raw)
		if !ok {
			continue
		}
		if err := conn.send(ev); err != nil {
			slog.Warn("WebSocket write error", "session", id, "error", err)
			drain(events)
			return
		}
	}
}
