package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAuthCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored control API token",
		Long: `Manage the control API token kept in the OS keychain. Tokens are minted
by an operator with 'hostlaned -mint-token' and stored per daemon target
(socket path or --url).`,
	}
	cmd.AddCommand(newAuthLoginCommand(app), newAuthLogoutCommand(app), newAuthStatusCommand(app))
	return cmd
}

func newAuthLoginCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store a token for the current target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token := strings.TrimSpace(app.opts.token)
			if token == "" {
				read, err := app.readToken(cmd)
				if err != nil {
					return err
				}
				token = read
			}
			if token == "" {
				return errors.New("token cannot be empty")
			}
			if err := app.store.SetToken(app.target(), token); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved token for %s\n", app.target())
			return nil
		},
	}
}

// readToken prompts without echo on a terminal and reads one line otherwise.
func (app *cli) readToken(cmd *cobra.Command) (string, error) {
	if f, ok := app.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter token: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	line, err := bufio.NewReader(app.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newAuthLogoutCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token for the current target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := app.store.DeleteToken(app.target())
			if err != nil && !errors.Is(err, errTokenNotFound) {
				return fmt.Errorf("remove token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed token for %s\n", app.target())
			return nil
		},
	}
}

func newAuthStatusCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the token will be read from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			switch {
			case strings.TrimSpace(app.opts.token) != "":
				fmt.Fprintln(out, "token: --token flag")
			case strings.TrimSpace(os.Getenv(tokenEnvVar)) != "":
				fmt.Fprintf(out, "token: $%s\n", tokenEnvVar)
			default:
				if _, err := app.store.GetToken(app.target()); err != nil {
					if errors.Is(err, errTokenNotFound) {
						fmt.Fprintf(out, "token: none stored for %s\n", app.target())
						return nil
					}
					return err
				}
				fmt.Fprintf(out, "token: keychain (%s)\n", app.target())
			}
			return nil
		},
	}
}
