package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/orchestrator"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/sandboxtest"
	"github.com/nstogner/agcluster/pkg/server"
	"github.com/nstogner/agcluster/pkg/session"
	"github.com/nstogner/agcluster/pkg/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalog struct{}

var assistant = &agentconfig.Config{ID: "code-assistant", Name: "Code Assistant", Version: "1.0.0", AllowedTools: []string{"Bash"}}

func (catalog) Load(id string) (*agentconfig.Config, error) {
	if id != assistant.ID {
		return nil, agentconfig.ErrConfigNotFound
	}
	return assistant, nil
}

func (catalog) List() ([]*agentconfig.Config, error) {
	return []*agentconfig.Config{assistant}, nil
}

func newServer(t *testing.T, b *sandboxtest.Backend) *httptest.Server {
	t.Helper()
	reg := sandbox.NewRegistry()
	reg.Register(sandboxtest.Name, b.Factory())
	set, err := orchestrator.NewSet(reg, sandboxtest.Name, nil, orchestrator.Options{Configs: catalog{}})
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(session.New(set, session.Options{}), catalog{}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	b := &sandboxtest.Backend{}
	srv := newServer(t, b)
	c := New(srv.URL+"/", "sk-test")
	ctx := context.Background()

	configs, err := c.Configs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, configs.Total)

	launched, err := c.Launch(ctx, server.LaunchRequest{ConfigID: "code-assistant"})
	require.NoError(t, err)

	events, err := c.Chat(ctx, launched.SessionID, "hello")
	require.NoError(t, err)
	var got []translate.Event
	for ev := range events {
		got = append(got, ev)
	}
	assert.Equal(t, []translate.Event{
		{Kind: translate.KindText, Text: "echo: hello"},
		{Kind: translate.KindComplete, Status: "success"},
	}, got)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sessions.Total)

	s, err := c.Session(ctx, launched.SessionID)
	require.NoError(t, err)
	assert.Equal(t, launched.AgentID, s.AgentID)

	require.NoError(t, c.Interrupt(ctx, launched.SessionID))
	require.NoError(t, c.Stop(ctx, launched.SessionID))
	assert.Equal(t, 1, b.Interrupts())
	assert.Len(t, b.Stops(), 1)
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t, &sandboxtest.Backend{})
	ctx := context.Background()

	_, err := New(srv.URL, "sk-test").Session(ctx, "conv-missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = New(srv.URL, "").Launch(ctx, server.LaunchRequest{ConfigID: "code-assistant"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
