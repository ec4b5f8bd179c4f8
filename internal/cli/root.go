// Package cli wires the openbrain commands.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for openbrain.
// When invoked without a subcommand, it delegates to "serve".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "openbrain",
		Short: "openbrain - operational dashboard for AI-agent workflows",
		Long: "openbrain serves the operator dashboard API: it accepts data pushed by\n" +
			"workspace agents, keeps the canonical copy, and holds live gateway\n" +
			"connections for real-time workspace control.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newAgentCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
