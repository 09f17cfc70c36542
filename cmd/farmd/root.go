package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "farmd.toml"

// newRootCmd creates the root farmd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "farmd",
		Short:         "Account farm supervisor",
		Long:          "farmd runs one worker per configured account, keeps each worker's\nsession to the game server alive and schedules its recurring tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file (.toml or .yaml)")

	path := func() string { return configPath }
	cmd.AddCommand(
		newRunCmd(path),
		newCheckCmd(path),
		newAccountsCmd(path),
	)
	return cmd
}
