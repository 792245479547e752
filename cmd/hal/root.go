package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// newRootCmd builds the command tree. Running the root command without a
// subcommand starts the engine.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hal",
		Short: "HAL runs Lua automation units against Home Assistant state",
		Long: `HAL watches a folder of Lua automation units, receives entity snapshots
from Home Assistant and runs every unit whose filters match the change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd))
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default $HAL_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(newRunCmd(), newCheckCmd(), newTokenCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd))
		},
	}
}

// configPath resolves the configuration file: --config, then HAL_CONFIG,
// then the default path.
func configPath(cmd *cobra.Command) string {
	if p, err := cmd.Flags().GetString("config"); err == nil && p != "" {
		return p
	}
	if p := os.Getenv("HAL_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
