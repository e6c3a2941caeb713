// Package server exposes sessions over HTTP: a native API with server-sent
// events and websocket chat, plus an OpenAI compatible completions endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/orchestrator"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/session"
)

// ConfigCatalog lists and resolves agent configs by id.
type ConfigCatalog interface {
	Load(id string) (*agentconfig.Config, error)
	List() ([]*agentconfig.Config, error)
}

// ConfigStore manages user configs. Catalogs that implement it enable the
// custom config routes.
type ConfigStore interface {
	Save(c *agentconfig.Config) (string, error)
	ListUser() ([]*agentconfig.Config, error)
	Delete(id string) error
}

// Server serves the API.
type Server struct {
	sessions *session.Registry
	configs  ConfigCatalog
	srv      *http.Server
}

// New creates a new Server.
func New(sessions *session.Registry, configs ConfigCatalog) *Server {
	s := &Server{
		sessions: sessions,
		configs:  configs,
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Configs
	mux.HandleFunc("GET /api/configs", s.handleListConfigs)
	mux.HandleFunc("GET /api/configs/{id}", s.handleGetConfig)
	mux.HandleFunc("POST /api/configs/custom", s.handleSaveConfig)
	mux.HandleFunc("GET /api/configs/custom/list", s.handleListCustomConfigs)
	mux.HandleFunc("DELETE /api/configs/custom/{id}", s.handleDeleteConfig)

	// Sessions
	mux.HandleFunc("POST /api/agents/launch", s.handleLaunch)
	mux.HandleFunc("GET /api/agents/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/agents/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/agents/sessions/{id}", s.handleStopSession)
	mux.HandleFunc("POST /api/agents/sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /api/agents/sessions/{id}/upload", s.handleUpload)

	// Chat
	mux.HandleFunc("POST /api/agents/chat", s.handleAgentChat)
	mux.HandleFunc("GET /api/agents/sessions/{id}/ws", s.handleChatWebSocket)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)

	return s.corsMiddleware(mux)
}

// Start listens on addr and serves until Shutdown is called. See Serve for
// how ctx is used.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown is called. Every request context derives
// from ctx, so cancelling it ends in-flight chat streams (which interrupts
// their agents) without waiting for Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	slog.Info("Starting API server", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Conversation-ID, X-Session-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "status", status, "error", err)
	} else {
		slog.Warn("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// fail writes err with the status its sentinel maps to.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.errorResponse(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, orchestrator.ErrAgentNotFound),
		errors.Is(err, agentconfig.ErrConfigNotFound),
		errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrUnauthorizedCredentialKey),
		errors.Is(err, agentconfig.ErrInvalidConfig),
		errors.Is(err, sandbox.ErrInvalidResourceSpec),
		errors.Is(err, sandbox.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, sandbox.ErrImageNotFound),
		errors.Is(err, sandbox.ErrProvisioningTimeout):
		return http.StatusBadGateway
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errMissingAuth = errors.New("missing or invalid Authorization header, expected: Bearer <api key>")

// bearer returns the API key from the Authorization header.
func bearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authorize looks up session id and checks that apiKey owns it. On failure
// the error response has already been written.
func (s *Server) authorize(w http.ResponseWriter, id, apiKey string) (*session.Session, bool) {
	if apiKey == "" {
		s.errorResponse(w, http.StatusUnauthorized, errMissingAuth)
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	if !sess.OwnedBy(apiKey) {
		s.fail(w, session.ErrForbidden)
		return nil, false
	}
	return sess, true
}
