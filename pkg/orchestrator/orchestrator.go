// Package orchestrator is the single entry point above the sandbox layer. A
// Manager owns one backend, turns agent configs into provision requests and
// keeps the table of live agents.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/tools"
)

var (
	// ErrUnauthorizedCredentialKey is returned when runtime integration
	// credentials name a server or key the config does not declare.
	ErrUnauthorizedCredentialKey = errors.New("orchestrator: unauthorized credential key")

	// ErrAgentNotFound is returned for unknown agent ids.
	ErrAgentNotFound = errors.New("orchestrator: agent not found")
)

// DefaultMaxTurns applies to agents created without a config.
const DefaultMaxTurns = 100

// interruptTimeout bounds the remote interrupt sent after a caller cancels.
const interruptTimeout = 10 * time.Second

// ConfigSource resolves named agent configs.
type ConfigSource interface {
	Load(id string) (*agentconfig.Config, error)
}

// Defaults are the platform settings applied when a config leaves them out.
type Defaults struct {
	CPUQuota     int64
	MemoryLimit  string
	StorageLimit string

	// SystemPrompt and AllowedTools are used for agents created without a
	// config.
	SystemPrompt string
	AllowedTools []string
}

// Options configure a Manager.
type Options struct {
	Configs  ConfigSource
	Tools    *tools.Registry
	Defaults Defaults
}

// Agent is a live sandbox tracked by the Manager.
type Agent struct {
	ID        string              `json:"agent_id"`
	Container *sandbox.Container  `json:"container"`
	ConfigID  string              `json:"config_id,omitempty"`
	Config    *agentconfig.Config `json:"-"`
	Backend   string              `json:"backend"`
	CreatedAt time.Time           `json:"created_at"`
}

// CreateRequest describes an agent to launch. Exactly one of ConfigID and
// Config may be set; with neither the agent is built from Defaults, with
// SystemPrompt and AllowedTools overriding them.
type CreateRequest struct {
	SessionID string
	ConfigID  string
	Config    *agentconfig.Config

	APIKey string
	// IntegrationEnv holds runtime credentials per MCP server. Every server
	// and key must be declared by the config.
	IntegrationEnv      map[string]map[string]string
	PlatformCredentials map[string]string

	SystemPrompt string
	AllowedTools []string
}

// Manager is the orchestration facade for one backend.
type Manager struct {
	backend  sandbox.Backend
	configs  ConfigSource
	catalog  *tools.Registry
	defaults Defaults

	mu     sync.RWMutex
	agents map[string]*Agent
}

// New returns a Manager driving backend.
func New(backend sandbox.Backend, opts Options) *Manager {
	slog.Info("Orchestrator initialized", "backend", backend.Name())
	return &Manager{
		backend:  backend,
		configs:  opts.Configs,
		catalog:  opts.Tools,
		defaults: opts.Defaults,
		agents:   make(map[string]*Agent),
	}
}

// Backend returns the name of the active backend.
func (m *Manager) Backend() string { return m.backend.Name() }

// Create provisions an agent. A probe timeout is logged and the agent is
// still returned; any other failure leaves no table entry.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Agent, error) {
	cfg, configID, err := m.resolveConfig(req)
	if err != nil {
		return nil, err
	}
	if err := CheckIntegrationEnv(cfg, req.IntegrationEnv); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		token, err := gonanoid.Generate(idAlphabet, 12)
		if err != nil {
			return nil, fmt.Errorf("generating session id: %w", err)
		}
		sessionID = "session-" + token
	}

	preq := m.provisionRequest(cfg, configID, req)
	slog.Info("Creating agent", "session", sessionID, "config", configID, "backend", m.backend.Name())

	c, err := m.backend.Create(ctx, sessionID, preq)
	if err != nil {
		if c == nil || !errors.Is(err, sandbox.ErrProvisioningTimeout) {
			return nil, fmt.Errorf("creating container: %w", err)
		}
		slog.Warn("Agent did not pass its health check, continuing", "container", c.ID, "error", err)
	}

	a := &Agent{
		ID:        c.AgentID(),
		Container: c,
		ConfigID:  configID,
		Config:    cfg,
		Backend:   m.backend.Name(),
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()

	slog.Info("Agent created", "agent", a.ID, "endpoint", c.Endpoint)
	return a, nil
}

// idAlphabet keeps generated ids valid as docker names and URL path parts.
const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func (m *Manager) resolveConfig(req CreateRequest) (*agentconfig.Config, string, error) {
	switch {
	case req.ConfigID != "" && req.Config != nil:
		return nil, "", fmt.Errorf("%w: config_id and config are mutually exclusive", agentconfig.ErrInvalidConfig)

	case req.ConfigID != "":
		if m.configs == nil {
			return nil, "", fmt.Errorf("%w: %q", agentconfig.ErrConfigNotFound, req.ConfigID)
		}
		cfg, err := m.configs.Load(req.ConfigID)
		if err != nil {
			return nil, "", err
		}
		return cfg, req.ConfigID, nil

	case req.Config != nil:
		cfg := *req.Config
		cfg.Normalize()
		if err := agentconfig.Validate(&cfg, m.catalog); err != nil {
			return nil, "", err
		}
		token, err := gonanoid.Generate(idAlphabet, 8)
		if err != nil {
			return nil, "", fmt.Errorf("generating config id: %w", err)
		}
		return &cfg, "inline-" + token, nil
	}

	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = m.defaults.SystemPrompt
	}
	allowed := req.AllowedTools
	if len(allowed) == 0 {
		allowed = m.defaults.AllowedTools
	}
	return &agentconfig.Config{
		ID:           "default",
		Name:         "Default agent",
		AllowedTools: slices.Clone(allowed),
		SystemPrompt: agentconfig.TextPrompt(prompt),
		MaxTurns:     DefaultMaxTurns,
	}, "", nil
}

func (m *Manager) provisionRequest(cfg *agentconfig.Config, configID string, req CreateRequest) *sandbox.ProvisionRequest {
	p := &sandbox.ProvisionRequest{
		ConfigID:            configID,
		Name:                cfg.Name,
		CPUQuota:            m.defaults.CPUQuota,
		MemoryLimit:         m.defaults.MemoryLimit,
		StorageLimit:        m.defaults.StorageLimit,
		AllowedTools:        slices.Clone(cfg.AllowedTools),
		SystemPrompt:        cfg.SystemPrompt,
		MaxTurns:            cfg.MaxTurns,
		PermissionMode:      cfg.PermissionMode,
		Model:               cfg.Model,
		Cwd:                 cfg.Cwd,
		MCPServers:          maps.Clone(cfg.MCPServers),
		Agents:              maps.Clone(cfg.Agents),
		Env:                 maps.Clone(cfg.Env),
		APIKey:              req.APIKey,
		IntegrationEnv:      req.IntegrationEnv,
		PlatformCredentials: maps.Clone(req.PlatformCredentials),
	}
	if p.ConfigID == "" {
		p.ConfigID = cfg.ID
	}
	if rl := cfg.ResourceLimits; rl != nil {
		if rl.CPUQuota > 0 {
			p.CPUQuota = rl.CPUQuota
		}
		if rl.MemoryLimit != "" {
			p.MemoryLimit = rl.MemoryLimit
		}
		if rl.StorageLimit != "" {
			p.StorageLimit = rl.StorageLimit
		}
	}
	return p
}

// CheckIntegrationEnv verifies that every server in env is declared by cfg
// and that every key is one of the env keys that server declares. Servers
// that declare no env accept no overrides.
func CheckIntegrationEnv(cfg *agentconfig.Config, env map[string]map[string]string) error {
	if len(env) == 0 {
		return nil
	}
	declared := cfg.DeclaredEnvKeys()
	for _, server := range slices.Sorted(maps.Keys(env)) {
		keys, ok := declared[server]
		if !ok {
			return fmt.Errorf("%w: MCP server %q is not declared in config %q", ErrUnauthorizedCredentialKey, server, cfg.ID)
		}
		var bad []string
		for k := range env[server] {
			if !keys[k] {
				bad = append(bad, k)
			}
		}
		if len(bad) > 0 {
			sort.Strings(bad)
			return fmt.Errorf("%w: MCP server %q does not declare %s", ErrUnauthorizedCredentialKey, server, strings.Join(bad, ", "))
		}
	}
	return nil
}

// Get returns the agent with the given id.
func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// List returns the live agents ordered by creation time.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop stops the agent's container. The table entry is removed even when
// the backend call fails; the failure is logged and returned.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	a, ok := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()
	if !ok {
		slog.Warn("Agent not found", "agent", id)
		return false, nil
	}

	slog.Info("Stopping agent", "agent", id, "container", a.Container.ID)
	stopped, err := m.backend.Stop(ctx, a.Container.ID)
	if err != nil {
		slog.Error("Error stopping agent", "agent", id, "error", err)
		return false, fmt.Errorf("stopping agent %s: %w", id, err)
	}
	return stopped, nil
}

// Status reports the backend status of the agent's container.
func (m *Manager) Status(ctx context.Context, id string) (sandbox.Status, error) {
	a, err := m.Get(id)
	if err != nil {
		return sandbox.StatusNotFound, nil
	}
	return m.backend.Status(ctx, a.Container.ID)
}

// Query streams the agent's raw events for one turn. If ctx is cancelled
// before a terminal event arrives the agent is sent an interrupt.
func (m *Manager) Query(ctx context.Context, id, text string, history []sandbox.Message) (<-chan sandbox.Event, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	raw := m.backend.Query(ctx, a.Container, text, history)
	out := make(chan sandbox.Event)
	go func() {
		defer close(out)
		terminal := false
	loop:
		for ev := range raw {
			select {
			case out <- ev:
			case <-ctx.Done():
				break loop
			}
			if ev.Terminal() {
				terminal = true
				break
			}
		}
		// The backend closes raw once ctx is done.
		for range raw {
		}
		if !terminal && ctx.Err() != nil {
			m.interruptDetached(a)
		}
	}()
	return out, nil
}

func (m *Manager) interruptDetached(a *Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	slog.Info("Caller went away, interrupting agent", "agent", a.ID)
	if err := m.backend.Interrupt(ctx, a.Container); err != nil {
		slog.Warn("Failed to interrupt agent", "agent", a.ID, "error", err)
	}
}

// Interrupt asks the agent to abort its current turn.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.backend.Interrupt(ctx, a.Container); err != nil {
		return fmt.Errorf("interrupting agent %s: %w", id, err)
	}
	return nil
}

// Upload writes files into the agent's workspace.
func (m *Manager) Upload(ctx context.Context, id string, files []sandbox.File, targetPath string, overwrite bool) ([]string, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.backend.Upload(ctx, a.Container.ID, files, targetPath, overwrite)
}

// Close stops every tracked agent and releases the backend.
func (m *Manager) Close(ctx context.Context) error {
	agents := m.List()
	slog.Info("Closing orchestrator", "backend", m.backend.Name(), "active", len(agents))
	for _, a := range agents {
		// Stop logs its own failures; Cleanup retries whatever is left.
		m.Stop(ctx, a.ID)
	}
	return m.backend.Cleanup(ctx)
}

// Pruner is implemented by backends that can remove sandboxes left over from
// a previous process.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Prune removes untracked sandboxes when the backend supports it.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	p, ok := m.backend.(Pruner)
	if !ok {
		return 0, nil
	}
	n, err := p.Prune(ctx)
	if err != nil {
		return n, fmt.Errorf("pruning %s sandboxes: %w", m.backend.Name(), err)
	}
	if n > 0 {
		slog.Info("Pruned orphaned sandboxes", "backend", m.backend.Name(), "count", n)
	}
	return n, nil
}
