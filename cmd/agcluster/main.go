// Command agcluster runs the agent cluster API server and talks to it.
//
// Usage:
//
//	agcluster serve              start the API server
//	agcluster configs [id]       list or show agent configs
//	agcluster sessions           list live sessions
//	agcluster stop <session>     stop a session
//	agcluster chat               chat with an agent in the terminal
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultServer = "http://localhost:8000"
	defaultEnv    = ".env"
)

type globalFlags struct {
	envFile string
	server  string
	apiKey  string
}

func main() {
	var g globalFlags

	root := &cobra.Command{
		Use:          "agcluster",
		Short:        "Run Claude agents in isolated sandboxes behind one API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", defaultEnv, "settings file loaded before the environment")
	root.PersistentFlags().StringVar(&g.server, "server", envOr("AGCLUSTER_SERVER", defaultServer), "API server URL for client commands")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("ANTHROPIC_API_KEY"), "API key passed to agents")

	root.AddCommand(
		serveCmd(&g),
		configsCmd(&g),
		sessionsCmd(&g),
		stopCmd(&g),
		chatCmd(&g),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
