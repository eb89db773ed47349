// Command hostlane is the operator and customer CLI for hostlaned.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/buildinfo"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	socketPath string
	baseURL    string
	token      string
	jsonOutput bool
	timeout    time.Duration
}

// cli carries the state shared by every subcommand.
type cli struct {
	opts     globalOptions
	store    tokenStore
	stdin    io.Reader
	terminal func() bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli{store: newKeyringStore(), stdin: os.Stdin, terminal: stdoutIsTerminal}
	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostlane",
		Short: "Manage hosted servers through hostlaned",
		Long: `hostlane talks to the hostlaned control API to provision, operate and
bill hosted servers.

Quick start:
  hostlane auth login                       # store a token in the keychain
  hostlane server create --name web-1 --type vps --cpu 2 --memory-mb 4096 --storage-gb 80
  hostlane server list
  hostlane server extend <id> --months 3 --use-credits`,
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.opts.socketPath, "socket", defaultSocketPath, "path to the hostlaned socket")
	flags.StringVar(&app.opts.baseURL, "url", "", "control API base URL (e.g. http://10.0.0.5:8443); overrides --socket")
	flags.StringVar(&app.opts.token, "token", "", "control API token (default $"+tokenEnvVar+" or the keychain)")
	flags.BoolVar(&app.opts.jsonOutput, "json", false, "print JSON even on a terminal")
	flags.DurationVar(&app.opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")

	cmd.AddCommand(newServerCommand(app))
	cmd.AddCommand(newCreditsCommand(app))
	cmd.AddCommand(newAuthCommand(app))
	cmd.AddCommand(newStatusCommand(app))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

// target names the daemon endpoint tokens are stored under.
func (app *cli) target() string {
	if url := strings.TrimSpace(app.opts.baseURL); url != "" {
		return url
	}
	if app.opts.socketPath == "" {
		return defaultSocketPath
	}
	return app.opts.socketPath
}

func (app *cli) client() (*apiClient, error) {
	token, err := resolveToken(app.opts.token, app.target(), app.store)
	if err != nil {
		return nil, err
	}
	return newAPIClient(app.opts.socketPath, app.opts.baseURL, token, app.opts.timeout), nil
}

// wantJSON reports whether output should be JSON: forced by --json or
// because stdout is not a terminal.
func (app *cli) wantJSON() bool {
	if app.opts.jsonOutput {
		return true
	}
	return app.terminal == nil || !app.terminal()
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
