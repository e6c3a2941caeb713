// Package sandboxtest provides an in-memory sandbox.Backend for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Name is the default name reported by Backend.
const Name = "fake"

// Backend is a scriptable sandbox.Backend that records every call.
type Backend struct {
	// BackendName overrides Name.
	BackendName string

	// CreateErr fails every Create.
	CreateErr error
	// CreateDelay is slept inside Create before the container exists.
	CreateDelay time.Duration
	// Degraded makes Create return the container with
	// sandbox.ErrProvisioningTimeout.
	Degraded bool
	// StopErr fails every Stop after the container is forgotten.
	StopErr error
	// UploadErr fails every Upload.
	UploadErr error

	// Events is replayed by Query. When nil a single text message followed
	// by complete is sent.
	Events []sandbox.Event
	// Hang makes Query send Events and then block until ctx is done.
	Hang bool

	mu         sync.Mutex
	next       int
	containers map[string]*sandbox.Container
	requests   []*sandbox.ProvisionRequest
	creates    int
	stops      []string
	interrupts int
	queries    []string
	uploads    []string
	cleanups   int
}

var _ sandbox.Backend = (*Backend)(nil)

// Factory returns a sandbox.Factory that always hands out b.
func (b *Backend) Factory() sandbox.Factory {
	return func(sandbox.Options) (sandbox.Backend, error) { return b, nil }
}

func (b *Backend) Name() string {
	if b.BackendName != "" {
		return b.BackendName
	}
	return Name
}

func (b *Backend) Create(ctx context.Context, sessionID string, req *sandbox.ProvisionRequest) (*sandbox.Container, error) {
	b.mu.Lock()
	b.creates++
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.CreateDelay > 0 {
		select {
		case <-time.After(b.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := fmt.Sprintf("c%d", b.next)
	c := &sandbox.Container{
		ID:       id,
		Endpoint: "http://127.0.0.1:3000",
		Status:   sandbox.StatusRunning,
		Backend:  b.Name(),
		Metadata: map[string]string{
			sandbox.MetaAgentID:    fmt.Sprintf("agent-%d", b.next),
			sandbox.MetaSessionID:  sessionID,
			sandbox.MetaAPIKeyHash: req.APIKeyHash(),
			sandbox.MetaReady:      "true",
		},
		CreatedAt: time.Now(),
	}
	if b.containers == nil {
		b.containers = make(map[string]*sandbox.Container)
	}
	b.containers[id] = c
	if b.Degraded {
		c.Metadata[sandbox.MetaReady] = "false"
		return c, sandbox.ErrProvisioningTimeout
	}
	return c, nil
}

// Stop fails without forgetting the container when ctx is already done, as
// a daemon call would.
func (b *Backend) Stop(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.stops = append(b.stops, id)
	_, ok := b.containers[id]
	delete(b.containers, id)
	if b.StopErr != nil {
		return false, b.StopErr
	}
	return ok, nil
}

func (b *Backend) Status(ctx context.Context, id string) (sandbox.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[id]; !ok {
		return sandbox.StatusNotFound, nil
	}
	return sandbox.StatusRunning, nil
}

func (b *Backend) Query(ctx context.Context, c *sandbox.Container, text string, history []sandbox.Message) <-chan sandbox.Event {
	b.mu.Lock()
	b.queries = append(b.queries, text)
	b.mu.Unlock()

	events := b.Events
	if events == nil {
		events = []sandbox.Event{
			{"type": sandbox.EventMessage, "data": map[string]any{"type": "content", "content": "echo: " + text}},
			{"type": sandbox.EventComplete, "status": "success"},
		}
	}
	ch := make(chan sandbox.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if b.Hang {
			<-ctx.Done()
		}
	}()
	return ch
}

func (b *Backend) Interrupt(ctx context.Context, c *sandbox.Container) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interrupts++
	return nil
}

func (b *Backend) Upload(ctx context.Context, id string, files []sandbox.File, targetPath string, overwrite bool) ([]string, error) {
	if b.UploadErr != nil {
		return nil, b.UploadErr
	}
	b.mu.Lock()
	_, ok := b.containers[id]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	b.mu.Lock()
	for _, n := range names {
		b.uploads = append(b.uploads, targetPath+"/"+n)
	}
	b.mu.Unlock()
	return names, nil
}

func (b *Backend) List(ctx context.Context) []*sandbox.Container {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*sandbox.Container, 0, len(b.containers))
	for _, c := range b.containers {
		out = append(out, c)
	}
	return out
}

func (b *Backend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups++
	b.containers = nil
	return nil
}

// Creates returns how many times Create was called.
func (b *Backend) Creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

// Requests returns the provision requests passed to Create.
func (b *Backend) Requests() []*sandbox.ProvisionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*sandbox.ProvisionRequest(nil), b.requests...)
}

// Stops returns the container ids passed to Stop, in call order.
func (b *Backend) Stops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stops...)
}

// Interrupts returns how many times Interrupt was called.
func (b *Backend) Interrupts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupts
}

// Queries returns the query texts received.
func (b *Backend) Queries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries...)
}

// Cleanups returns how many times Cleanup was called.
func (b *Backend) Cleanups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleanups
}

// Uploads returns the target paths of every uploaded file.
func (b *Backend) Uploads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.uploads...)
}
