package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/nstogner/agcluster/pkg/client"
	"github.com/spf13/cobra"
)

func sessionsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := client.New(g.server, g.apiKey).Sessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tAGENT\tCONFIG\tBACKEND\tSTATUS\tIDLE")
			for _, s := range list.Sessions {
				idle := time.Since(s.LastActive).Round(time.Second)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.SessionID, s.AgentID, s.ConfigID, s.Backend, s.Status, idle)
			}
			return tw.Flush()
		},
	}
}

func stopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session>",
		Short: "Stop a session and remove its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(g.server, g.apiKey).Stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
			return nil
		},
	}
}
