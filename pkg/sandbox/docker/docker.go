package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/agentapi"
)

const (
	// Name is the registry name of this backend.
	Name = "docker"

	// DefaultImage is the agent image.
	DefaultImage = "agcluster/agent:latest"
	// DefaultNetwork is the network sandboxes join.
	DefaultNetwork = "bridge"
	// DefaultAgentPort is the agent HTTP port inside the container.
	DefaultAgentPort = 3000
	// WorkspaceDir is where the per-agent volume is mounted.
	WorkspaceDir = "/workspace"

	// Labels identifying managed containers.
	LabelManaged   = "agcluster"
	LabelSessionID = "agcluster.session_id"
	LabelAgentID   = "agcluster.agent_id"
	LabelProvider  = "agcluster.provider"

	stopTimeoutSeconds = 10
)

// Metadata keys specific to this backend.
const (
	MetaContainerName = "container_name"
	MetaContainerIP   = sandbox.MetaIP
	MetaVolume        = "volume"
)

// Backend implements sandbox.Backend on a local docker daemon.
type Backend struct {
	api   API
	agent *agentapi.Client

	image         string
	network       string
	publishPorts  bool
	agentPort     int
	readyTimeout  time.Duration
	maxContainers int
	pollInterval  time.Duration

	mu         sync.RWMutex
	containers map[string]*sandbox.Container
	// pending counts creates in flight against maxContainers.
	pending int

	// noStorageOpt is set once the daemon's storage driver rejects a size
	// limit; later creates skip it.
	noStorageOpt atomic.Bool
}

// Verify interface compliance.
var _ sandbox.Backend = (*Backend)(nil)

// Register adds the docker backend to r.
func Register(r *sandbox.Registry) {
	r.Register(Name, func(opts sandbox.Options) (sandbox.Backend, error) {
		return New(opts)
	})
}

// New connects to the docker daemon configured in the environment.
func New(opts sandbox.Options) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewWithAPI(cli, opts), nil
}

// NewWithAPI builds a backend on top of an existing docker API client.
func NewWithAPI(api API, opts sandbox.Options) *Backend {
	b := &Backend{
		api:           api,
		agent:         agentapi.New(),
		image:         opts.Image,
		network:       opts.Network,
		publishPorts:  opts.PublishPorts,
		agentPort:     opts.AgentPort,
		readyTimeout:  opts.ReadyTimeout,
		maxContainers: opts.MaxContainers,
		pollInterval:  agentapi.DefaultPollInterval,
		containers:    make(map[string]*sandbox.Container),
	}
	if b.image == "" {
		b.image = DefaultImage
	}
	if b.network == "" {
		b.network = DefaultNetwork
	}
	if b.agentPort == 0 {
		b.agentPort = DefaultAgentPort
	}
	if b.readyTimeout <= 0 {
		b.readyTimeout = agentapi.DefaultReadyTimeout
	}
	if opts.QueryTimeout > 0 {
		b.agent.QueryTimeout = opts.QueryTimeout
	}
	return b
}

func (b *Backend) Name() string { return Name }

func (b *Backend) port() nat.Port {
	return nat.Port(strconv.Itoa(b.agentPort) + "/tcp")
}

// Create starts an agent container for sessionID and waits for it to answer
// its health probe.
func (b *Backend) Create(ctx context.Context, sessionID string, req *sandbox.ProvisionRequest) (*sandbox.Container, error) {
	if err := b.reserve(); err != nil {
		return nil, err
	}
	defer b.release()

	if _, _, err := b.api.ImageInspectWithRaw(ctx, b.image); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrImageNotFound, b.image)
		}
		return nil, unavailable("inspecting image", err)
	}

	var memory int64
	if req.MemoryLimit != "" {
		m, err := units.RAMInBytes(req.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: memory %q: %v", sandbox.ErrInvalidResourceSpec, req.MemoryLimit, err)
		}
		memory = m
	}
	if req.StorageLimit != "" {
		if _, err := units.RAMInBytes(req.StorageLimit); err != nil {
			return nil, fmt.Errorf("%w: storage %q: %v", sandbox.ErrInvalidResourceSpec, req.StorageLimit, err)
		}
	}

	agentID := "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name := "agcluster-" + agentID
	volumeName := "agcluster-workspace-" + agentID

	env, err := req.AgentEnv(agentID)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		LabelManaged:   "true",
		LabelSessionID: sessionID,
		LabelAgentID:   agentID,
		LabelProvider:  Name,
	}

	slog.Info("Creating sandbox", "session", sessionID, "agentID", agentID, "image", b.image)

	if _, err := b.api.VolumeCreate(ctx, volume.CreateOptions{Name: volumeName, Labels: labels}); err != nil {
		return nil, unavailable("creating volume", err)
	}

	cfg := &container.Config{
		Image:      b.image,
		Env:        sandbox.EnvList(env),
		Labels:     labels,
		WorkingDir: WorkspaceDir,
		ExposedPorts: nat.PortSet{
			b.port(): {},
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.network),
		Resources: container.Resources{
			Memory:    memory,
			CPUQuota:  req.CPUQuota,
			CPUPeriod: sandbox.CPUPeriod,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: WorkspaceDir,
		}},
	}
	if req.CPUQuota == 0 {
		hostCfg.Resources.CPUPeriod = 0
	}
	if req.StorageLimit != "" && !b.noStorageOpt.Load() {
		hostCfg.StorageOpt = map[string]string{"size": req.StorageLimit}
	}
	if b.publishPorts {
		hostCfg.PortBindings = nat.PortMap{
			b.port(): []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "0", // Dynamically assigned port.
			}},
		}
	}

	resp, err := b.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil && hostCfg.StorageOpt != nil && storageOptUnsupported(err) {
		slog.Warn("Storage driver does not support size limits, creating without one", "agentID", agentID, "limit", req.StorageLimit, "error", err)
		b.noStorageOpt.Store(true)
		hostCfg.StorageOpt = nil
		resp, err = b.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrImageNotFound, b.image)
		}
		return nil, unavailable("creating container", err)
	}

	if err := b.api.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		b.remove(resp.ID)
		return nil, unavailable("starting container", err)
	}

	info, err := b.waitRunning(ctx, resp.ID)
	if err != nil {
		b.remove(resp.ID)
		return nil, err
	}

	ip, endpoint, err := b.endpoint(info)
	if err != nil {
		b.remove(resp.ID)
		return nil, err
	}

	c := &sandbox.Container{
		ID:       resp.ID,
		Endpoint: endpoint,
		Status:   sandbox.StatusRunning,
		Backend:  Name,
		Metadata: map[string]string{
			sandbox.MetaAgentID:    agentID,
			sandbox.MetaSessionID:  sessionID,
			sandbox.MetaAPIKeyHash: req.APIKeyHash(),
			MetaContainerName:      name,
			MetaContainerIP:        ip,
			MetaVolume:             volumeName,
			sandbox.MetaReady:      "true",
		},
		CreatedAt: time.Now(),
	}

	herr := b.agent.WaitHealthy(ctx, endpoint, b.readyTimeout)
	if herr != nil {
		if ctx.Err() != nil {
			b.remove(resp.ID)
			return nil, ctx.Err()
		}
		c.Metadata[sandbox.MetaReady] = "false"
		slog.Warn("Sandbox health check timed out, container is running", "agentID", agentID, "endpoint", endpoint)
	}

	b.mu.Lock()
	b.containers[c.ID] = c
	b.mu.Unlock()

	slog.Info("Sandbox started", "session", sessionID, "agentID", agentID, "endpoint", endpoint)
	return c, herr
}

// storageOptUnsupported matches the daemon's refusal of --storage-opt on
// drivers without quota support, such as overlay2 off xfs.
func storageOptUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "storage-opt") || strings.Contains(msg, "storage opt")
}

func (b *Backend) reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxContainers > 0 {
		if n := len(b.containers) + b.pending; n >= b.maxContainers {
			return fmt.Errorf("%w: %d of %d containers in use", sandbox.ErrQuotaExceeded, n, b.maxContainers)
		}
	}
	b.pending++
	return nil
}

func (b *Backend) release() {
	b.mu.Lock()
	b.pending--
	b.mu.Unlock()
}

// waitRunning polls until the container reports running.
func (b *Backend) waitRunning(ctx context.Context, id string) (types.ContainerJSON, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, b.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		info, err := b.api.ContainerInspect(timeoutCtx, id)
		if err != nil {
			if ctx.Err() != nil {
				return info, ctx.Err()
			}
			return info, unavailable("inspecting container", err)
		}
		if info.ContainerJSONBase != nil && info.State != nil {
			if info.State.Running {
				return info, nil
			}
			if info.State.Status == "exited" || info.State.Status == "dead" {
				return info, fmt.Errorf("%w: container exited with code %d", sandbox.ErrBackendUnavailable, info.State.ExitCode)
			}
		}
		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return info, ctx.Err()
			}
			return info, fmt.Errorf("%w: container %s never reached running", sandbox.ErrProvisioningTimeout, id)
		case <-ticker.C:
		}
	}
}

// endpoint works out how the orchestrator reaches the agent: the published
// loopback port, else the address on the shared network, else the default
// bridge address.
func (b *Backend) endpoint(info types.ContainerJSON) (string, string, error) {
	ns := info.NetworkSettings
	if ns == nil {
		return "", "", fmt.Errorf("%w: container has no network settings", sandbox.ErrBackendUnavailable)
	}

	if b.publishPorts {
		ports := ns.Ports[b.port()]
		if len(ports) > 0 && ports[0].HostPort != "" {
			return "127.0.0.1", "http://127.0.0.1:" + ports[0].HostPort, nil
		}
		return "", "", fmt.Errorf("%w: container running but port not mapped", sandbox.ErrBackendUnavailable)
	}

	ip := ""
	if ep, ok := ns.Networks[b.network]; ok && ep != nil {
		ip = ep.IPAddress
	}
	if ip == "" {
		ip = ns.IPAddress
	}
	if ip == "" {
		return "", "", fmt.Errorf("%w: failed to get container IP address", sandbox.ErrBackendUnavailable)
	}
	return ip, fmt.Sprintf("http://%s:%d", ip, b.agentPort), nil
}

// Stop stops and removes the container. The workspace volume is kept.
func (b *Backend) Stop(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	delete(b.containers, id)
	b.mu.Unlock()

	timeout := stopTimeoutSeconds
	if err := b.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Warn("Container not found", "id", id)
			return false, nil
		}
		slog.Warn("Failed to stop container", "id", id, "error", err)
	}
	if err := b.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, unavailable("removing container", err)
	}
	slog.Info("Container stopped and removed", "id", id)
	return true, nil
}

// Status maps the docker state onto sandbox.Status.
func (b *Backend) Status(ctx context.Context, id string) (sandbox.Status, error) {
	info, err := b.api.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return sandbox.StatusNotFound, nil
		}
		return sandbox.StatusError, unavailable("inspecting container", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return sandbox.StatusError, nil
	}
	switch {
	case info.State.Running:
		return sandbox.StatusRunning, nil
	case info.State.Dead, info.State.OOMKilled:
		return sandbox.StatusError, nil
	default:
		return sandbox.StatusStopped, nil
	}
}

func (b *Backend) Query(ctx context.Context, c *sandbox.Container, text string, history []sandbox.Message) <-chan sandbox.Event {
	return b.agent.Query(ctx, c.Endpoint, text, history)
}

func (b *Backend) Interrupt(ctx context.Context, c *sandbox.Container) error {
	return b.agent.Interrupt(ctx, c.Endpoint)
}

// List returns the containers created by this backend instance.
func (b *Backend) List(ctx context.Context) []*sandbox.Container {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*sandbox.Container, 0, len(b.containers))
	for _, c := range b.containers {
		out = append(out, c)
	}
	return out
}

// Prune removes managed containers this process does not track, such as
// leftovers from a previous run. It returns the number removed.
func (b *Backend) Prune(ctx context.Context) (int, error) {
	list, err := b.api.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManaged+"=true"),
			filters.Arg("label", LabelProvider+"="+Name),
		),
	})
	if err != nil {
		return 0, unavailable("listing managed containers", err)
	}

	b.mu.RLock()
	var orphans []types.Container
	for _, c := range list {
		if _, ok := b.containers[c.ID]; !ok {
			orphans = append(orphans, c)
		}
	}
	b.mu.RUnlock()

	var result *multierror.Error
	removed := 0
	for _, c := range orphans {
		slog.Info("Removing orphaned sandbox", "id", c.ID, "agentID", c.Labels[LabelAgentID])
		if err := b.api.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			result = multierror.Append(result, fmt.Errorf("removing %s: %w", c.ID, err))
			continue
		}
		removed++
	}
	return removed, result.ErrorOrNil()
}

// Cleanup stops every tracked container and closes the docker client.
func (b *Backend) Cleanup(ctx context.Context) error {
	var result *multierror.Error
	for _, c := range b.List(ctx) {
		if _, err := b.Stop(ctx, c.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := b.api.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// remove force-removes a half-created container.
func (b *Backend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "id", id, "error", err)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", sandbox.ErrBackendUnavailable, op, err)
}
