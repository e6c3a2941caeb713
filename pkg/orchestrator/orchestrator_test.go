package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/sandboxtest"
	"github.com/nstogner/agcluster/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type configMap map[string]*agentconfig.Config

func (m configMap) Load(id string) (*agentconfig.Config, error) {
	c, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", agentconfig.ErrConfigNotFound, id)
	}
	return c, nil
}

func testConfigs() configMap {
	return configMap{
		"github-dev": {
			ID:           "github-dev",
			Name:         "GitHub Developer",
			AllowedTools: []string{"Bash", "Read", tools.ListMcpResources, tools.ReadMcpResource},
			MCPServers: map[string]agentconfig.MCPServer{
				"github": {Command: "github-mcp", Env: map[string]string{"GITHUB_TOKEN": "${GITHUB_TOKEN}"}},
				"static": {Command: "static-mcp"},
			},
			ResourceLimits: &agentconfig.ResourceLimits{CPUQuota: 400000, MemoryLimit: "8g"},
			MaxTurns:       50,
		},
		"plain": {ID: "plain", Name: "Plain", AllowedTools: []string{"Read"}},
	}
}

var testDefaults = Defaults{
	CPUQuota:     200000,
	MemoryLimit:  "4g",
	StorageLimit: "10g",
	SystemPrompt: "You are a helpful AI assistant with access to tools.",
	AllowedTools: []string{"Bash", "Read", "Write", "Grep"},
}

func newTestManager(b *sandboxtest.Backend) *Manager {
	return New(b, Options{Configs: testConfigs(), Tools: tools.Default(), Defaults: testDefaults})
}

func TestCreateFromConfig(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)

	a, err := m.Create(context.Background(), CreateRequest{
		SessionID:      "conv-1",
		ConfigID:       "github-dev",
		APIKey:         "sk-1",
		IntegrationEnv: map[string]map[string]string{"github": {"GITHUB_TOKEN": "ghp"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "github-dev", a.ConfigID)
	assert.Equal(t, sandboxtest.Name, a.Backend)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	reqs := b.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(400000), reqs[0].CPUQuota)
	assert.Equal(t, "8g", reqs[0].MemoryLimit)
	assert.Equal(t, "10g", reqs[0].StorageLimit, "unset limits fall back to defaults")
	assert.Equal(t, 50, reqs[0].MaxTurns)
	assert.Equal(t, "ghp", reqs[0].IntegrationEnv["github"]["GITHUB_TOKEN"])
}

func TestCreateLegacyDefaults(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)

	a, err := m.Create(context.Background(), CreateRequest{APIKey: "sk-1"})
	require.NoError(t, err)
	assert.Empty(t, a.ConfigID)

	req := b.Requests()[0]
	assert.Equal(t, testDefaults.AllowedTools, req.AllowedTools)
	assert.Equal(t, testDefaults.SystemPrompt, req.SystemPrompt.Text)
	assert.Equal(t, DefaultMaxTurns, req.MaxTurns)
	assert.Equal(t, int64(200000), req.CPUQuota)
	assert.Equal(t, "4g", req.MemoryLimit)

	_, err = m.Create(context.Background(), CreateRequest{SystemPrompt: "Be terse.", AllowedTools: []string{"Read"}})
	require.NoError(t, err)
	req = b.Requests()[1]
	assert.Equal(t, "Be terse.", req.SystemPrompt.Text)
	assert.Equal(t, []string{"Read"}, req.AllowedTools)
}

func TestCreateInlineConfig(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)

	a, err := m.Create(context.Background(), CreateRequest{
		Config: &agentconfig.Config{ID: "scratch", Name: "Scratch", AllowedTools: []string{"Read"}},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^inline-[a-z0-9]{8}$`, a.ConfigID)

	_, err = m.Create(context.Background(), CreateRequest{
		Config: &agentconfig.Config{ID: "bad", Name: "Bad", AllowedTools: []string{"Teleport"}},
	})
	require.ErrorIs(t, err, agentconfig.ErrInvalidConfig)

	_, err = m.Create(context.Background(), CreateRequest{ConfigID: "plain", Config: &agentconfig.Config{ID: "x", Name: "X"}})
	require.ErrorIs(t, err, agentconfig.ErrInvalidConfig)
	assert.Equal(t, 1, b.Creates())
}

func TestCreateUnknownConfig(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)

	_, err := m.Create(context.Background(), CreateRequest{ConfigID: "nope"})
	require.ErrorIs(t, err, agentconfig.ErrConfigNotFound)
	assert.Zero(t, b.Creates())
}

func TestCredentialKeySandboxing(t *testing.T) {
	cases := map[string]map[string]map[string]string{
		"undeclared key":          {"github": {"GITHUB_TOKEN": "ok", "LD_PRELOAD": "/evil.so"}},
		"undeclared server":       {"slack": {"SLACK_TOKEN": "x"}},
		"server without env keys": {"static": {"ANY": "x"}},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			b := &sandboxtest.Backend{}
			m := newTestManager(b)

			_, err := m.Create(context.Background(), CreateRequest{ConfigID: "github-dev", IntegrationEnv: env})
			require.ErrorIs(t, err, ErrUnauthorizedCredentialKey)
			assert.Zero(t, b.Creates(), "no container may be provisioned")
			assert.Empty(t, m.List())
		})
	}
}

func TestFailedCreateLeavesNoEntry(t *testing.T) {
	b := &sandboxtest.Backend{CreateErr: fmt.Errorf("%w: daemon down", sandbox.ErrBackendUnavailable)}
	m := newTestManager(b)

	_, err := m.Create(context.Background(), CreateRequest{ConfigID: "plain"})
	require.ErrorIs(t, err, sandbox.ErrBackendUnavailable)
	assert.Empty(t, m.List())
}

func TestDegradedCreateIsKept(t *testing.T) {
	b := &sandboxtest.Backend{Degraded: true}
	m := newTestManager(b)

	a, err := m.Create(context.Background(), CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "false", a.Container.Metadata[sandbox.MetaReady])
	assert.Len(t, m.List(), 1)
}

func TestStopIsIdempotent(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)

	ok, err := m.Stop(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Stop(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(a.ID)
	require.ErrorIs(t, err, ErrAgentNotFound)

	st, err := m.Status(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusNotFound, st)
}

func TestStopFailureStillRemovesEntry(t *testing.T) {
	b := &sandboxtest.Backend{StopErr: errors.New("unreachable")}
	m := newTestManager(b)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)

	_, err = m.Stop(ctx, a.ID)
	require.Error(t, err)
	assert.Empty(t, m.List())
}

func TestQueryStreamsUntilTerminal(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)

	ch, err := m.Query(ctx, a.ID, "hi", nil)
	require.NoError(t, err)
	var kinds []string
	for ev := range ch {
		kinds = append(kinds, ev.Type())
	}
	assert.Equal(t, []string{sandbox.EventMessage, sandbox.EventComplete}, kinds)
	assert.Zero(t, b.Interrupts())

	_, err = m.Query(ctx, "missing", "hi", nil)
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestQueryCancelInterruptsAgent(t *testing.T) {
	b := &sandboxtest.Backend{
		Events: []sandbox.Event{{"type": sandbox.EventMessage, "data": map[string]any{"type": "content", "content": "working"}}},
		Hang:   true,
	}
	m := newTestManager(b)

	a, err := m.Create(context.Background(), CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Query(ctx, a.ID, "long task", nil)
	require.NoError(t, err)

	<-ch
	cancel()
	for range ch {
	}
	assert.Eventually(t, func() bool { return b.Interrupts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUploadAndInterrupt(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)

	names, err := m.Upload(ctx, a.ID, []sandbox.File{{Name: "a.txt"}}, "/workspace", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	require.NoError(t, m.Interrupt(ctx, a.ID))
	assert.Equal(t, 1, b.Interrupts())

	require.ErrorIs(t, m.Interrupt(ctx, "missing"), ErrAgentNotFound)
}

func TestClose(t *testing.T) {
	b := &sandboxtest.Backend{}
	m := newTestManager(b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, CreateRequest{ConfigID: "plain"})
		require.NoError(t, err)
	}
	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.List())
	assert.Len(t, b.Stops(), 3)
	assert.Equal(t, 1, b.Cleanups())
}

func TestSet(t *testing.T) {
	reg := sandbox.NewRegistry()
	local := &sandboxtest.Backend{BackendName: "docker"}
	remote := &sandboxtest.Backend{BackendName: "fly_machines"}
	reg.Register("docker", local.Factory())
	reg.Register("fly_machines", remote.Factory())

	_, err := NewSet(reg, "kubernetes", nil, Options{})
	require.ErrorIs(t, err, sandbox.ErrUnknownBackend)

	s, err := NewSet(reg, "docker", nil, Options{Configs: testConfigs()})
	require.NoError(t, err)

	def, err := s.Get("")
	require.NoError(t, err)
	assert.Equal(t, "docker", def.Backend())

	again, err := s.Get("docker")
	require.NoError(t, err)
	assert.Same(t, def, again)

	fly, err := s.Get("fly_machines")
	require.NoError(t, err)
	assert.Equal(t, "fly_machines", fly.Backend())

	_, err = s.Get("kubernetes")
	require.ErrorIs(t, err, sandbox.ErrUnknownBackend)

	_, err = fly.Create(context.Background(), CreateRequest{ConfigID: "plain"})
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, local.Cleanups())
	assert.Equal(t, 1, remote.Cleanups())
	assert.Empty(t, s.Managers())
}

type pruningBackend struct {
	*sandboxtest.Backend
	pruned int
	err    error
}

func (p *pruningBackend) Prune(ctx context.Context) (int, error) { return p.pruned, p.err }

func TestPrune(t *testing.T) {
	n, err := newTestManager(&sandboxtest.Backend{}).Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "backends without pruning are a no-op")

	m := New(&pruningBackend{Backend: &sandboxtest.Backend{}, pruned: 2}, Options{})
	n, err = m.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m = New(&pruningBackend{Backend: &sandboxtest.Backend{}, err: sandbox.ErrBackendUnavailable}, Options{})
	_, err = m.Prune(context.Background())
	require.ErrorIs(t, err, sandbox.ErrBackendUnavailable)
}
