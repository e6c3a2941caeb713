// Package machines provisions agent sandboxes through a remote
// machine-provisioning REST API (Fly Machines).
package machines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/agentapi"
)

const (
	// Name is the registry name of this backend.
	Name = "fly_machines"

	DefaultBaseURL   = "https://api.machines.dev/v1"
	DefaultImage     = "registry.fly.io/agcluster-agent:latest"
	DefaultRegion    = "iad"
	DefaultAgentPort = 3000

	// CredentialRegion overrides the region per request.
	CredentialRegion = "fly_region"

	defaultStartTimeout = 60 * time.Second
	defaultPollInterval = time.Second
	defaultMemoryMB     = 4096
)

// Metadata keys specific to this backend.
const (
	MetaMachineName = "machine_name"
	MetaPrivateIP   = "private_ip"
	MetaRegion      = "region"
	MetaAppName     = "app_name"
)

// Backend implements sandbox.Backend against the machines API.
type Backend struct {
	http  *http.Client
	agent *agentapi.Client
	log   *slog.Logger

	baseURL      string
	token        string
	app          string
	region       string
	image        string
	agentPort    int
	startTimeout time.Duration
	readyTimeout time.Duration
	pollInterval time.Duration

	mu       sync.RWMutex
	machines map[string]*sandbox.Container
}

// Verify interface compliance.
var _ sandbox.Backend = (*Backend)(nil)

// Register adds the machines backend to r.
func Register(r *sandbox.Registry) {
	r.Register(Name, func(opts sandbox.Options) (sandbox.Backend, error) {
		return New(opts)
	})
}

// New validates opts and returns a backend. No API call is made.
func New(opts sandbox.Options) (*Backend, error) {
	if opts.APIToken == "" {
		return nil, errors.New("machines: API token is required")
	}
	if opts.AppName == "" {
		return nil, errors.New("machines: app name is required")
	}
	b := &Backend{
		http:         &http.Client{Timeout: 60 * time.Second},
		agent:        agentapi.New(),
		log:          slog.Default().With("component", "machines-backend"),
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		token:        opts.APIToken,
		app:          opts.AppName,
		region:       opts.Region,
		image:        opts.Image,
		agentPort:    opts.AgentPort,
		startTimeout: defaultStartTimeout,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: defaultPollInterval,
		machines:     make(map[string]*sandbox.Container),
	}
	if b.baseURL == "" {
		b.baseURL = DefaultBaseURL
	}
	if b.region == "" {
		b.region = DefaultRegion
	}
	if b.image == "" {
		b.image = DefaultImage
	}
	if b.agentPort == 0 {
		b.agentPort = DefaultAgentPort
	}
	if b.readyTimeout <= 0 {
		b.readyTimeout = 30 * time.Second
	}
	if opts.QueryTimeout > 0 {
		b.agent.QueryTimeout = opts.QueryTimeout
	}
	b.log.Info("Initialized machines backend", "app", b.app, "region", b.region, "image", b.image)
	return b, nil
}

func (b *Backend) Name() string { return Name }

// Endpoint builds the agent URL, bracketing IPv6 addresses.
func Endpoint(ip string, port int) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port))
}

// Create launches a machine, waits for it to reach the started state and then
// for the agent health probe.
func (b *Backend) Create(ctx context.Context, sessionID string, req *sandbox.ProvisionRequest) (*sandbox.Container, error) {
	memoryMB := defaultMemoryMB
	if req.MemoryLimit != "" {
		m, err := ParseMemoryMB(req.MemoryLimit)
		if err != nil {
			return nil, err
		}
		memoryMB = m
	}

	agentID := "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name := "agcluster-" + agentID

	env, err := req.AgentEnv(agentID)
	if err != nil {
		return nil, err
	}

	region := b.region
	if r := req.PlatformCredentials[CredentialRegion]; r != "" {
		region = r
	}

	body := createMachineRequest{
		Name: name,
		Config: machineConfig{
			Image: b.image,
			Env:   env,
			Services: []service{{
				Ports:        []servicePort{{Port: b.agentPort, Handlers: []string{"http"}}},
				Protocol:     "tcp",
				InternalPort: b.agentPort,
			}},
			Guest:   guest{CPUs: req.CPUCount(), MemoryMB: memoryMB},
			Restart: restartPolicy{Policy: "no"},
		},
		Region: region,
	}

	b.log.Info("Creating machine", "session", sessionID, "agentID", agentID, "region", region)

	var m machine
	if err := b.call(ctx, http.MethodPost, "/apps/"+b.app+"/machines", body, &m); err != nil {
		return nil, classify(err)
	}

	started, err := b.waitStarted(ctx, m.ID)
	if err != nil {
		b.destroy(m.ID)
		return nil, err
	}
	if started.PrivateIP == "" {
		b.destroy(m.ID)
		return nil, fmt.Errorf("%w: no private IP for machine %s", sandbox.ErrBackendUnavailable, m.ID)
	}

	endpoint := Endpoint(started.PrivateIP, b.agentPort)
	if started.Region != "" {
		region = started.Region
	}
	c := &sandbox.Container{
		ID:       m.ID,
		Endpoint: endpoint,
		Status:   sandbox.StatusRunning,
		Backend:  Name,
		Metadata: map[string]string{
			sandbox.MetaAgentID:    agentID,
			sandbox.MetaSessionID:  sessionID,
			sandbox.MetaAPIKeyHash: req.APIKeyHash(),
			sandbox.MetaReady:      "true",
			MetaMachineName:        name,
			MetaPrivateIP:          started.PrivateIP,
			sandbox.MetaIP:         started.PrivateIP,
			MetaRegion:             region,
			MetaAppName:            b.app,
		},
		CreatedAt: time.Now(),
	}

	herr := b.agent.WaitHealthy(ctx, endpoint, b.readyTimeout)
	if herr != nil {
		if ctx.Err() != nil {
			b.destroy(m.ID)
			return nil, ctx.Err()
		}
		c.Metadata[sandbox.MetaReady] = "false"
		b.log.Warn("Health check timed out, but machine is running", "machine", m.ID)
	}

	b.mu.Lock()
	b.machines[c.ID] = c
	b.mu.Unlock()

	b.log.Info("Machine created", "machine", m.ID, "endpoint", endpoint)
	return c, herr
}

// waitStarted polls the machine until it reports StateStarted.
func (b *Backend) waitStarted(ctx context.Context, id string) (*machine, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, b.startTimeout)
	defer cancel()

	var last *machine
	op := func() error {
		m, err := b.getMachine(timeoutCtx, id)
		if err != nil {
			if isNotFound(err) {
				return backoff.Permanent(classify(err))
			}
			b.log.Warn("Error checking machine state", "machine", id, "error", err)
			return err
		}
		last = m
		switch m.State {
		case StateStarted:
			return nil
		case StateFailed, StateDestroyed:
			return backoff.Permanent(fmt.Errorf("%w: machine %s entered state %s", sandbox.ErrBackendUnavailable, id, m.State))
		}
		return fmt.Errorf("machine %s in state %s", id, m.State)
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(b.pollInterval), timeoutCtx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timeoutCtx.Err() != nil {
			return nil, fmt.Errorf("%w: machine %s did not reach state %s within %s", sandbox.ErrProvisioningTimeout, id, StateStarted, b.startTimeout)
		}
		return nil, err
	}
	b.log.Info("Machine reached started state", "machine", id)
	return last, nil
}

// Stop stops then deletes the machine.
func (b *Backend) Stop(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	delete(b.machines, id)
	b.mu.Unlock()

	if err := b.call(ctx, http.MethodPost, b.machinePath(id)+"/stop", nil, nil); err != nil && !isNotFound(err) {
		b.log.Warn("Error stopping machine", "machine", id, "error", err)
	}
	if err := b.call(ctx, http.MethodDelete, b.machinePath(id)+"?force=true", nil, nil); err != nil {
		if isNotFound(err) {
			b.log.Warn("Machine not found", "machine", id)
			return false, nil
		}
		return false, classify(err)
	}
	b.log.Info("Machine stopped and destroyed", "machine", id)
	return true, nil
}

// Status maps the machine state onto sandbox.Status.
func (b *Backend) Status(ctx context.Context, id string) (sandbox.Status, error) {
	m, err := b.getMachine(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return sandbox.StatusNotFound, nil
		}
		return sandbox.StatusError, classify(err)
	}
	switch m.State {
	case StateStarted:
		return sandbox.StatusRunning, nil
	case StateFailed:
		return sandbox.StatusError, nil
	case StateDestroyed:
		return sandbox.StatusNotFound, nil
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

// Upload forwards the files to the agent's own /upload endpoint.
func (b *Backend) Upload(ctx context.Context, id string, files []sandbox.File, targetPath string, overwrite bool) ([]string, error) {
	b.mu.RLock()
	c, ok := b.machines[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	names, err := b.agent.Upload(ctx, c.Endpoint, files, targetPath, overwrite)
	if err != nil {
		return nil, err
	}
	b.log.Info("Uploaded files", "machine", id, "count", len(names), "target", targetPath)
	return names, nil
}

// List returns the machines created by this backend instance.
func (b *Backend) List(ctx context.Context) []*sandbox.Container {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*sandbox.Container, 0, len(b.machines))
	for _, c := range b.machines {
		out = append(out, c)
	}
	return out
}

// Cleanup destroys every tracked machine.
func (b *Backend) Cleanup(ctx context.Context) error {
	list := b.List(ctx)
	b.log.Info("Cleaning up machines backend", "active", len(list))
	var result *multierror.Error
	for _, c := range list {
		if _, err := b.Stop(ctx, c.ID); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping %s: %w", c.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// destroy removes a machine that failed to provision.
func (b *Backend) destroy(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.call(ctx, http.MethodDelete, b.machinePath(id)+"?force=true", nil, nil); err != nil && !isNotFound(err) {
		b.log.Warn("Failed to destroy machine", "machine", id, "error", err)
	}
}
