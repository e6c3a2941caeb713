package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options are the backend-agnostic construction settings handed to a Factory.
// Backends pick the fields they understand.
type Options struct {
	// Image is the agent image reference.
	Image string
	// Network is the docker network the orchestrator shares with sandboxes.
	Network string
	// PublishPorts binds the agent port on the host loopback instead of
	// reaching the container by IP.
	PublishPorts bool
	// MaxContainers caps live sandboxes for this backend; zero means no cap.
	MaxContainers int

	// APIToken, AppName, Region and BaseURL configure remote machine APIs.
	APIToken string
	AppName  string
	Region   string
	BaseURL  string

	// AgentPort is the port of the agent HTTP surface inside the sandbox.
	AgentPort int
	// ReadyTimeout bounds the liveness probe after start.
	ReadyTimeout time.Duration
	// QueryTimeout bounds a single query stream end to end.
	QueryTimeout time.Duration
}

// Factory constructs a backend.
type Factory func(opts Options) (Backend, error)

// Registry maps backend names to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the backend registered under name. Unknown names fail with
// ErrUnknownBackend instead of falling back to another backend.
func (r *Registry) New(name string, opts Options) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownBackend, name, strings.Join(r.Names(), ", "))
	}
	b, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", name, err)
	}
	return b, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
