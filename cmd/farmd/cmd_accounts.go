package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newAccountsCmd creates the "farmd accounts" subcommand.
func newAccountsCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tTOKEN")
			for _, a := range cfg.Accounts {
				token := "-"
				if a.Token != "" {
					token = "set"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", a.ID, a.Name, a.IsEnabled(), token)
			}
			return tw.Flush()
		},
	}
}
