package sandbox

import (
	"context"
	"time"
)

// Status is the lifecycle state of a sandbox container.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// Metadata keys shared by the backends.
const (
	MetaAgentID    = "agent_id"
	MetaSessionID  = "session_id"
	MetaAPIKeyHash = "api_key_hash"
	MetaReady      = "ready"
	// MetaIP is the sandbox address the endpoint was built from.
	MetaIP = "container_ip"
)

// Container is the platform-agnostic record of a provisioned sandbox.
type Container struct {
	// ID is the backend-assigned identifier (docker container ID, machine ID).
	ID string `json:"id"`
	// Endpoint is the base URL of the agent's HTTP surface inside the sandbox.
	Endpoint string `json:"endpoint"`
	// Status is the last status observed by the owning backend.
	Status Status `json:"status"`
	// Backend is the name of the backend that produced this container.
	Backend string `json:"backend"`
	// Metadata holds backend-specific facts. Only the owning backend writes it.
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreatedAt is when the backend finished provisioning.
	CreatedAt time.Time `json:"created_at"`
}

// AgentID returns the agent identifier assigned by the backend, falling back
// to a prefix of the container ID.
func (c *Container) AgentID() string {
	if id := c.Metadata[MetaAgentID]; id != "" {
		return id
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// File is a single file to upload into a sandbox workspace. Name has already
// been sanitized by the caller.
type File struct {
	Name    string
	Content []byte
}

// Backend is the contract every infrastructure provider must satisfy.
// Each sandbox runs the agent process, which exposes an HTTP surface:
// POST /query (SSE), GET /health, POST /interrupt and POST /upload.
type Backend interface {
	// Name returns the registry name of the backend.
	Name() string

	// Create provisions a sandbox for the given session and blocks until the
	// agent's HTTP surface answers its liveness probe. If the probe never
	// succeeds the container is still returned together with
	// ErrProvisioningTimeout, since it may become usable later.
	Create(ctx context.Context, sessionID string, req *ProvisionRequest) (*Container, error)

	// Stop stops and removes the sandbox. Stopping a container that is
	// already gone returns false and no error.
	Stop(ctx context.Context, id string) (bool, error)

	// Status returns the current status of the sandbox, or StatusNotFound
	// when the backend does not know the id.
	Status(ctx context.Context, id string) (Status, error)

	// Query sends a query to the agent and streams its raw events. The
	// channel is closed after a terminal (complete or error) event, or when
	// ctx is cancelled. Transport failures are delivered as a terminal error
	// event rather than returned.
	Query(ctx context.Context, c *Container, text string, history []Message) <-chan Event

	// Interrupt asks the agent to abort its current turn.
	Interrupt(ctx context.Context, c *Container) error

	// Upload writes files into targetPath inside the sandbox and returns the
	// accepted names. It fails with ErrConflict when a file exists and
	// overwrite is false.
	Upload(ctx context.Context, id string, files []File, targetPath string, overwrite bool) ([]string, error)

	// List returns the containers this backend instance is tracking. It does
	// not query the infrastructure provider.
	List(ctx context.Context) []*Container

	// Cleanup releases backend resources and stops any containers it still
	// tracks.
	Cleanup(ctx context.Context) error
}
