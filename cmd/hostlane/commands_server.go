package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newServerCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Provision and operate servers",
	}
	cmd.AddCommand(
		newServerCreateCommand(app),
		newServerListCommand(app),
		newServerShowCommand(app),
		newServerActionCommand(app, "start", "Start a stopped server"),
		newServerActionCommand(app, "stop", "Stop a running server"),
		newServerActionCommand(app, "restart", "Restart a running server"),
		newServerActionCommand(app, "reprovision", "Retry provisioning a failed server"),
		newServerDeleteCommand(app),
		newServerExtendCommand(app),
		newServerActivityCommand(app),
	)
	return cmd
}

func newServerCreateCommand(app *cli) *cobra.Command {
	var req serverCreateRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new server",
		Long: `Provision a new server. The call returns once the provider has
created the machine, or with the error that put it into ERROR.

Example:
  hostlane server create --name web-1 --type vps --cpu 2 --memory-mb 4096 --storage-gb 80`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
			client, err := app.client()
			if err != nil {
				return err
			}
			server, err := client.createServer(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			return app.printServer(cmd, server)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "server name (required)")
	cmd.Flags().StringVar(&req.Type, "type", "vps", "server type: vps, gameserver or app_hosting")
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "owner user id (support and admin only; defaults to you)")
	cmd.Flags().IntVar(&req.Spec.CPU, "cpu", 1, "vCPU count")
	cmd.Flags().IntVar(&req.Spec.MemoryMB, "memory-mb", 1024, "memory in MB")
	cmd.Flags().IntVar(&req.Spec.StorageGB, "storage-gb", 20, "disk in GB")
	cmd.Flags().IntVar(&req.Spec.BandwidthGB, "bandwidth-gb", 0, "monthly bandwidth in GB")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newServerListCommand(app *cli) *cobra.Command {
	var (
		owner  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}
			servers, err := client.listServers(cmd.Context(), owner, strings.ToUpper(status), limit)
			if err != nil {
				return fmt.Errorf("list servers: %w", err)
			}
			if app.wantJSON() {
				return printJSON(cmd.OutOrStdout(), serversResponse{Servers: servers})
			}
			if len(servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No servers.")
				return nil
			}
			return printServerTable(cmd.OutOrStdout(), servers)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner (support and admin only)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (e.g. active, stopped)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum servers to return")
	return cmd
}

func newServerShowCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}
			server, err := client.getServer(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("show server %s: %w", args[0], err)
			}
			return app.printServer(cmd, server)
		},
	}
}

func newServerActionCommand(app *cli, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServerCall(cmd, action, args[0], func(ctx context.Context, c *apiClient) (serverResponse, error) {
				return c.serverAction(ctx, args[0], action)
			})
		},
	}
}

func newServerDeleteCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a server and its provider resource",
		Long: `Delete a server. Deleting an already deleted server succeeds without
calling the provider again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServerCall(cmd, "delete", args[0], func(ctx context.Context, c *apiClient) (serverResponse, error) {
				return c.deleteServer(ctx, args[0])
			})
		},
	}
}

func newServerExtendCommand(app *cli) *cobra.Command {
	var req extendRequest
	cmd := &cobra.Command{
		Use:   "extend <id>",
		Short: "Extend a server's paid term",
		Long: `Extend a server by 1 to 24 months of 30 days each. With --use-credits the
cost is debited from the owner's credit balance first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServerCall(cmd, "extend", args[0], func(ctx context.Context, c *apiClient) (serverResponse, error) {
				return c.extendServer(ctx, args[0], req)
			})
		},
	}
	cmd.Flags().IntVar(&req.Months, "months", 1, "months to add (1-24)")
	cmd.Flags().BoolVar(&req.UseCredits, "use-credits", false, "pay from the owner's credit balance; without it an admin token must confirm external payment")
	return cmd
}

func newServerActivityCommand(app *cli) *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "activity <id>",
		Short: "Show a server's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client()
			if err != nil {
				return err
			}
			resp, err := client.listActivity(cmd.Context(), args[0], after, limit)
			if err != nil {
				return fmt.Errorf("server activity %s: %w", args[0], err)
			}
			if app.wantJSON() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No activity.")
				return nil
			}
			if err := printActivityTable(cmd.OutOrStdout(), resp.Entries); err != nil {
				return err
			}
			if limit > 0 && len(resp.Entries) == limit {
				fmt.Fprintf(cmd.ErrOrStderr(), "More entries: --after %d\n", resp.NextAfterID)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with an id greater than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to return")
	return cmd
}

func (app *cli) runServerCall(cmd *cobra.Command, action, id string, call func(context.Context, *apiClient) (serverResponse, error)) error {
	client, err := app.client()
	if err != nil {
		return err
	}
	server, err := call(cmd.Context(), client)
	if err != nil {
		return fmt.Errorf("%s server %s: %w", action, id, err)
	}
	return app.printServer(cmd, server)
}

func (app *cli) printServer(cmd *cobra.Command, server serverResponse) error {
	if app.wantJSON() {
		return printJSON(cmd.OutOrStdout(), server)
	}
	return printServerDetail(cmd.OutOrStdout(), server)
}
