package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Set holds one Manager per backend name. Managers are built on first use so
// a process only connects to the backends it is asked for.
type Set struct {
	registry    *sandbox.Registry
	defaultName string
	backendOpts map[string]sandbox.Options
	opts        Options

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewSet returns a Set whose default backend is defaultName. backendOpts
// supplies construction options per backend name.
func NewSet(registry *sandbox.Registry, defaultName string, backendOpts map[string]sandbox.Options, opts Options) (*Set, error) {
	if !registry.Has(defaultName) {
		return nil, fmt.Errorf("%w: %q (available: %v)", sandbox.ErrUnknownBackend, defaultName, registry.Names())
	}
	return &Set{
		registry:    registry,
		defaultName: defaultName,
		backendOpts: backendOpts,
		opts:        opts,
		managers:    make(map[string]*Manager),
	}, nil
}

// DefaultName returns the name of the default backend.
func (s *Set) DefaultName() string { return s.defaultName }

// Get returns the Manager for name, building it on first use. An empty name
// selects the default backend. Unknown names fail with
// sandbox.ErrUnknownBackend.
func (s *Set) Get(name string) (*Manager, error) {
	if name == "" {
		name = s.defaultName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[name]; ok {
		return m, nil
	}
	b, err := s.registry.New(name, s.backendOpts[name])
	if err != nil {
		return nil, err
	}
	m := New(b, s.opts)
	s.managers[name] = m
	return m, nil
}

// Managers returns the Managers built so far, ordered by backend name.
func (s *Set) Managers() []*Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend() < out[j].Backend() })
	return out
}

// Close closes every Manager, collecting their errors.
func (s *Set) Close(ctx context.Context) error {
	var result *multierror.Error
	for _, m := range s.Managers() {
		if err := m.Close(ctx); err != nil {
			slog.Error("Error closing backend", "backend", m.Backend(), "error", err)
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", m.Backend(), err))
		}
	}
	s.mu.Lock()
	s.managers = make(map[string]*Manager)
	s.mu.Unlock()
	return result.ErrorOrNil()
}
