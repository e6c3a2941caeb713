package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/logging"
	"github.com/nstogner/agcluster/pkg/orchestrator"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/docker"
	"github.com/nstogner/agcluster/pkg/sandbox/machines"
	"github.com/nstogner/agcluster/pkg/server"
	"github.com/nstogner/agcluster/pkg/session"
	"github.com/nstogner/agcluster/pkg/settings"
	"github.com/nstogner/agcluster/pkg/tools"
	"github.com/spf13/cobra"
)

// stepTimeout bounds each teardown step on its own, so a slow server drain
// cannot starve sandbox removal.
const stepTimeout = 30 * time.Second

// app holds the composed process. Nothing here is a package global.
type app struct {
	settings *settings.Settings
	configs  *agentconfig.Loader
	backends *orchestrator.Set
	sessions *session.Registry
	server   *server.Server

	stepTimeout time.Duration
}

func newApp(s *settings.Settings) (*app, error) {
	catalog := tools.Default()
	configs := &agentconfig.Loader{UserDir: s.UserConfigDir, PresetDir: s.ConfigDir, Tools: catalog}

	registry := sandbox.NewRegistry()
	docker.Register(registry)
	machines.Register(registry)

	backends, err := orchestrator.NewSet(registry, s.Provider, s.BackendOptions(), orchestrator.Options{
		Configs:  configs,
		Tools:    catalog,
		Defaults: s.Defaults(),
	})
	if err != nil {
		return nil, err
	}
	sessions := session.New(backends, session.Options{
		IdleTimeout:   s.InactiveContainerTimeout,
		SweepInterval: s.CleanupInterval,
	})
	return &app{
		settings: s,
		configs:  configs,
		backends: backends,
		sessions: sessions,
		server:   server.New(sessions, configs),

		stepTimeout: stepTimeout,
	}, nil
}

// run serves on the configured address until ctx is cancelled or the
// listener fails, then tears every sandbox down.
func (a *app) run(ctx context.Context, prune bool) error {
	ln, err := net.Listen("tcp", a.settings.Addr())
	if err != nil {
		return err
	}
	return a.serve(ctx, ln, prune)
}

func (a *app) serve(ctx context.Context, ln net.Listener, prune bool) error {
	// Build the default backend up front so a bad provider fails at startup.
	def, err := a.backends.Get("")
	if err != nil {
		ln.Close()
		return err
	}
	if prune {
		if _, err := def.Prune(ctx); err != nil {
			slog.Warn("Failed to prune sandboxes", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.sessions.Run(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(runCtx, ln) }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		slog.Info("Shutting down")
	}
	// Ends in-flight streams so their agents get interrupted before drain.
	cancel()
	return a.teardown(serveErr)
}

// teardown drains the server, then stops every session and closes the
// backends. Each step gets a fresh timeout.
func (a *app) teardown(serveErr error) error {
	var result *multierror.Error
	step := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), a.stepTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("shutting down server", a.server.Shutdown)
	step("destroying sessions", a.sessions.DestroyAll)
	step("closing backends", a.backends.Close)
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}
	return result.ErrorOrNil()
}

func serveCmd(g *globalFlags) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(g.envFile)
			if err != nil {
				return err
			}
			closer, err := logging.Setup(s.Logging())
			if err != nil {
				return err
			}
			defer closer.Close()

			a, err := newApp(s)
			if err != nil {
				return err
			}
			slog.Info("Starting agcluster", "provider", s.Provider, "addr", s.Addr(), "configs", s.ConfigDir)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.run(ctx, prune); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Server stopped with errors", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", true, "remove sandboxes left over from a previous run")
	return cmd
}
