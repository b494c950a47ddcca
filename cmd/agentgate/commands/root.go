// Package commands implements the agentgate CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentgate",
		Short: "Agentgate - Discord channel gateway for agents",
		Long: `Agentgate bridges one Discord text channel to multiple programmatic
agents over a small HTTP API: cursor-based inbox, ack, and webhook-backed
posting under each agent's own name.

Examples:
  agentgate serve
  agentgate serve --api-only
  agentgate config`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
