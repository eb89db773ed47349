package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon version, providers and fleet counts",
		Long: `Show the daemon version and configured providers. Fleet counts by
status are included for support and admin tokens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}
			status, err := client.status(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon status: %w", err)
			}
			if app.wantJSON() {
				return printJSON(cmd.OutOrStdout(), status)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
}
