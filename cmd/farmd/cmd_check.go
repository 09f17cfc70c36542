package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/farmkit/config"
)

// newCheckCmd creates the "farmd check" subcommand.
func newCheckCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Long:  "Parses and validates the configuration, checks file permissions\nwhen account tokens are present, and prints a summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:    %s (%s)\n", cfg.Server.URL, cfg.Server.Codec)
			fmt.Fprintf(out, "accounts:  %d configured, %d enabled\n", len(cfg.Accounts), len(cfg.EnabledAccounts()))

			kinds := make([]string, 0, len(cfg.Schedule))
			for kind := range cfg.Schedule {
				kinds = append(kinds, kind)
			}
			sort.Strings(kinds)
			for _, kind := range kinds {
				iv := cfg.Schedule[kind]
				fmt.Fprintf(out, "schedule:  %s every %s..%s\n", kind, iv.Min, iv.Max)
			}
			fmt.Fprintf(out, "bus:       %s\n", backend(cfg.Bus.URL))
			fmt.Fprintf(out, "state:     %s\n", backend(cfg.State.URL))
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.CheckPermissions(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func backend(url string) string {
	if url == "" {
		return "memory"
	}
	return url
}
