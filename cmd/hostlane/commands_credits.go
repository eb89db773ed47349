package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newCreditsCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up credit balances",
	}
	cmd.AddCommand(newCreditsBalanceCommand(app), newCreditsTopUpCommand(app))
	return cmd
}

func newCreditsBalanceCommand(app *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user's balance and recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}
			resp, err := client.credits(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("credits for %s: %w", args[0], err)
			}
			if app.wantJSON() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printCredits(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum transactions to show")
	return cmd
}

func newCreditsTopUpCommand(app *cli) *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "topup <user> <amount>",
		Short: "Add credits to a user's balance (support and admin only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("amount %q is not a decimal number", args[1])
			}
			if !amount.IsPositive() {
				return fmt.Errorf("amount must be positive")
			}
			client, err := app.client()
			if err != nil {
				return err
			}
			tx, err := client.topUp(cmd.Context(), args[0], topUpRequest{Amount: amount.StringFixed(2), Reference: reference})
			if err != nil {
				return fmt.Errorf("top up %s: %w", args[0], err)
			}
			if app.wantJSON() {
				return printJSON(cmd.OutOrStdout(), tx)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s; balance is now %s\n", tx.Amount, args[0], tx.BalanceAfter)
			return nil
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "payment or ticket reference")
	return cmd
}
