// Package session maps conversations to live agent sandboxes. Each session
// owns exactly one agent and is reclaimed after a period of inactivity.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/orchestrator"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")

	// ErrForbidden is returned when a session is used with an API key other
	// than the one that created it.
	ErrForbidden = errors.New("session: api key does not match session owner")
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultCreateTimeout = 5 * time.Minute
)

// Orchestrators hands out the orchestrator for a backend name; an empty name
// selects the default backend.
type Orchestrators interface {
	Get(backend string) (*orchestrator.Manager, error)
}

// Options configure a Registry.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// CreateTimeout bounds a shared session creation, which outlives the
	// request that started it.
	CreateTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// CreateOptions describe the agent to launch for a new session.
type CreateOptions struct {
	ConfigID string
	Config   *agentconfig.Config
	// Backend overrides the default backend for this session.
	Backend string

	APIKey              string
	IntegrationEnv      map[string]map[string]string
	PlatformCredentials map[string]string

	// SystemPrompt and AllowedTools apply to sessions created without a
	// config.
	SystemPrompt string
	AllowedTools []string
}

// Session is one conversation bound to one agent.
type Session struct {
	ID         string
	Agent      *orchestrator.Agent
	ConfigID   string
	Backend    string
	APIKeyHash string
	CreatedAt  time.Time

	manager    *orchestrator.Manager
	lastActive time.Time
}

// OwnedBy reports whether apiKey is the key the session was created with.
func (s *Session) OwnedBy(apiKey string) bool {
	return s.APIKeyHash == "" || s.APIKeyHash == sandbox.HashAPIKey(apiKey)
}

// Summary is the externally visible view of a session.
type Summary struct {
	SessionID   string         `json:"session_id"`
	AgentID     string         `json:"agent_id"`
	ConfigID    string         `json:"config_id,omitempty"`
	Backend     string         `json:"backend"`
	Status      sandbox.Status `json:"status"`
	ContainerIP string         `json:"container_ip,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastActive  time.Time      `json:"last_active"`
}

// Registry owns the session table. It is the only component that stops
// agents on behalf of sessions.
type Registry struct {
	orchestrators Orchestrators
	idleTimeout   time.Duration
	sweepInterval time.Duration
	createTimeout time.Duration
	now           func() time.Time

	flight singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New returns an empty Registry.
func New(orchestrators Orchestrators, opts Options) *Registry {
	r := &Registry{
		orchestrators: orchestrators,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		createTimeout: opts.CreateTimeout,
		now:           opts.Now,
		sessions:      make(map[string]*Session),
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.createTimeout <= 0 {
		r.createTimeout = DefaultCreateTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// ConversationID returns the session id for a caller-supplied conversation
// id, or for the API key when there is none.
func ConversationID(conversationID, apiKey string) string {
	if conversationID != "" {
		return "conv-" + conversationID
	}
	return "user-" + sandbox.HashAPIKey(apiKey)[:12]
}

// Resolve returns the session with the given id, creating it when absent.
// Concurrent callers for the same id share a single creation.
func (r *Registry) Resolve(ctx context.Context, id string, opts CreateOptions) (*Session, error) {
	if s, ok := r.lookup(id); ok {
		slog.Debug("Reusing session", "session", id, "agent", s.Agent.ID)
		return s, nil
	}

	return r.once(ctx, id, func(ctx context.Context) (*Session, error) {
		if s, ok := r.lookup(id); ok {
			return s, nil
		}
		return r.create(ctx, id, opts)
	})
}

// once runs fn at most once per id across concurrent callers. fn runs
// detached from any single caller's cancellation, bounded by the create
// timeout, so one caller going away does not fail the others. Each caller
// stops waiting when its own ctx is done.
func (r *Registry) once(ctx context.Context, id string, fn func(context.Context) (*Session, error)) (*Session, error) {
	ch := r.flight.DoChan(id, func() (any, error) {
		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.createTimeout)
		defer cancel()
		return fn(createCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("Joined in-flight session creation", "session", id)
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Create starts a new session. Without a conversation id a random one is
// generated. An existing session with the same id is stopped and replaced.
func (r *Registry) Create(ctx context.Context, conversationID string, opts CreateOptions) (*Session, error) {
	if opts.ConfigID == "" && opts.Config == nil {
		return nil, fmt.Errorf("%w: either config_id or config must be provided", agentconfig.ErrInvalidConfig)
	}
	if conversationID == "" {
		token, err := gonanoid.New(32)
		if err != nil {
			return nil, fmt.Errorf("generating session id: %w", err)
		}
		conversationID = token
	}
	id := "conv-" + conversationID

	return r.once(ctx, id, func(ctx context.Context) (*Session, error) {
		if _, ok := r.lookup(id); ok {
			slog.Warn("Session already exists, replacing", "session", id)
			if _, err := r.Stop(ctx, id); err != nil {
				slog.Error("Error stopping replaced session", "session", id, "error", err)
			}
		}
		return r.create(ctx, id, opts)
	})
}

func (r *Registry) create(ctx context.Context, id string, opts CreateOptions) (*Session, error) {
	m, err := r.orchestrators.Get(opts.Backend)
	if err != nil {
		return nil, err
	}

	slog.Info("Creating session", "session", id, "config", opts.ConfigID, "backend", m.Backend())
	a, err := m.Create(ctx, orchestrator.CreateRequest{
		SessionID:           id,
		ConfigID:            opts.ConfigID,
		Config:              opts.Config,
		APIKey:              opts.APIKey,
		IntegrationEnv:      opts.IntegrationEnv,
		PlatformCredentials: opts.PlatformCredentials,
		SystemPrompt:        opts.SystemPrompt,
		AllowedTools:        opts.AllowedTools,
	})
	if err != nil {
		return nil, err
	}

	now := r.now()
	s := &Session{
		ID:         id,
		Agent:      a,
		ConfigID:   a.ConfigID,
		Backend:    m.Backend(),
		APIKeyHash: sandbox.HashAPIKey(opts.APIKey),
		CreatedAt:  now,
		manager:    m,
		lastActive: now,
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	slog.Info("Session created", "session", id, "agent", a.ID)
	return s, nil
}

// lookup returns the session and bumps its activity.
func (r *Registry) lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.lastActive = r.now()
	}
	return s, ok
}

func (r *Registry) touch(s *Session) {
	r.mu.Lock()
	s.lastActive = r.now()
	r.mu.Unlock()
}

// Get returns the session and bumps its activity.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Query sends text to the session's agent and streams its raw events. Each
// event counts as activity.
func (r *Registry) Query(ctx context.Context, id, text string, history []sandbox.Message) (<-chan sandbox.Event, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	events, err := s.manager.Query(ctx, s.Agent.ID, text, history)
	if err != nil {
		return nil, err
	}

	out := make(chan sandbox.Event)
	go func() {
		defer close(out)
		for ev := range events {
			r.touch(s)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Interrupt aborts the agent's current turn.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.manager.Interrupt(ctx, s.Agent.ID)
}

// Upload writes files into the session's workspace.
func (r *Registry) Upload(ctx context.Context, id string, files []sandbox.File, targetPath string, overwrite bool) ([]string, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.manager.Upload(ctx, s.Agent.ID, files, targetPath, overwrite)
}

// Stop removes the session and stops its agent. It returns false when the
// session does not exist. The session is forgotten even if the stop fails.
func (r *Registry) Stop(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, r.stopAgent(ctx, s)
}

func (r *Registry) stopAgent(ctx context.Context, s *Session) error {
	if _, err := s.manager.Stop(ctx, s.Agent.ID); err != nil {
		slog.Error("Error stopping session", "session", s.ID, "error", err)
		return fmt.Errorf("stopping session %s: %w", s.ID, err)
	}
	slog.Info("Stopped session", "session", s.ID, "agent", s.Agent.ID)
	return nil
}

// List returns summaries of all sessions ordered by creation time.
func (r *Registry) List(ctx context.Context) []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.summary(s))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Describe returns the summary for one session without bumping activity.
// The status is asked of the backend; if that fails the last known status
// is kept.
func (r *Registry) Describe(ctx context.Context, id string) (Summary, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	var sum Summary
	if ok {
		sum = r.summary(s)
	}
	r.mu.RUnlock()
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	status, err := s.manager.Status(ctx, s.Agent.ID)
	if err != nil {
		slog.Warn("Failed to get session status", "session", id, "error", err)
		return sum, nil
	}
	sum.Status = status
	return sum, nil
}

// summary must be called with r.mu held.
func (r *Registry) summary(s *Session) Summary {
	c := s.Agent.Container
	return Summary{
		SessionID:   s.ID,
		AgentID:     s.Agent.ID,
		ConfigID:    s.ConfigID,
		Backend:     s.Backend,
		Status:      c.Status,
		ContainerIP: c.Metadata[sandbox.MetaIP],
		CreatedAt:   s.CreatedAt,
		LastActive:  s.lastActive,
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ReclaimIdle stops every session idle for longer than the idle timeout and
// returns how many were removed. Stop failures are logged and do not abort
// the sweep.
func (r *Registry) ReclaimIdle(ctx context.Context) int {
	now := r.now()
	var idle []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if d := now.Sub(s.lastActive); d > r.idleTimeout {
			slog.Info("Session idle", "session", id, "agent", s.Agent.ID, "idle", d.Round(time.Second))
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.stopAgent(ctx, s)
	}
	if len(idle) > 0 {
		slog.Info("Reclaimed idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Run sweeps idle sessions every sweep interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	slog.Info("Started session cleanup loop", "interval", r.sweepInterval, "idleTimeout", r.idleTimeout)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Session cleanup loop stopped")
			return
		case <-ticker.C:
			r.ReclaimIdle(ctx)
		}
	}
}

// DestroyAll stops every session. The table is always cleared; stop
// failures are returned together.
func (r *Registry) DestroyAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	slog.Info("Cleaning up all sessions", "count", len(all))
	var result *multierror.Error
	for _, s := range all {
		if err := r.stopAgent(ctx, s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
