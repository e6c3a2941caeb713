package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/settings"
	"github.com/nstogner/agcluster/pkg/tools"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "configs [id]",
		Short: "List agent configs, or print one as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(g.envFile)
			if err != nil {
				return err
			}
			loader := &agentconfig.Loader{UserDir: s.UserConfigDir, PresetDir: s.ConfigDir, Tools: tools.Default()}

			if len(args) == 1 {
				c, err := loader.Load(args[0])
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(c)
			}

			configs, err := loader.List()
			if err != nil {
				return err
			}
			if len(configs) == 0 {
				fmt.Fprintf(os.Stderr, "No configs found in %s or %s\n", s.UserConfigDir, s.ConfigDir)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTOOLS\tMCP SERVERS")
			for _, c := range configs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.ID, c.Name, strings.Join(c.AllowedTools, ","), len(c.MCPServers))
			}
			return tw.Flush()
		},
	}
}
