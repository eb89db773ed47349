// Command hostlaned runs the hostlane lifecycle daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hostlane/hostlane/internal/auth"
	"github.com/hostlane/hostlane/internal/buildinfo"
	"github.com/hostlane/hostlane/internal/config"
	"github.com/hostlane/hostlane/internal/daemon"
	"github.com/hostlane/hostlane/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		showVersion bool
		configPath  string
		mintToken   bool
		actorID     string
		role        string
		ttl         time.Duration
	)

	fs := flag.NewFlagSet("hostlaned", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", "", "path to config file")
	fs.BoolVar(&mintToken, "mint-token", false, "print a control API token and exit")
	fs.StringVar(&actorID, "actor", "", "actor id for -mint-token")
	fs.StringVar(&role, "role", string(models.RoleCustomer), "actor role for -mint-token (customer, support, admin)")
	fs.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime for -mint-token")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return 0
	}

	logger := log.New(stderr, "", log.LstdFlags)
	log.SetOutput(stderr)
	log.SetFlags(log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("hostlaned: %v", err)
		return 1
	}
	if warning, err := config.CheckConfigPermissions(cfg.ConfigPath); err != nil {
		logger.Printf("hostlaned: %v", err)
		return 1
	} else if warning != "" {
		logger.Printf("hostlaned: warning: %s", warning)
	}

	if mintToken {
		token, err := mint(cfg, actorID, models.Role(strings.ToLower(strings.TrimSpace(role))), ttl)
		if err != nil {
			logger.Printf("hostlaned: mint token: %v", err)
			return 1
		}
		fmt.Fprintln(stdout, token)
		return 0
	}

	logger.Printf("hostlaned: starting %s (config=%s)", buildinfo.String(), cfg.ConfigPath)
	if err := daemon.Run(ctx, cfg); err != nil {
		logger.Printf("hostlaned: %v", err)
		return 1
	}
	logger.Printf("hostlaned: stopped")
	return 0
}

func mint(cfg config.Config, actorID string, role models.Role, ttl time.Duration) (string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", errors.New("-actor is required")
	}
	if role == models.RoleSystem {
		return "", errors.New("system tokens are reserved for the daemon")
	}
	bundle, err := daemon.LoadSecrets(cfg)
	if err != nil {
		return "", err
	}
	tokens, err := auth.NewService(bundle.JWTSigningKey)
	if err != nil {
		return "", err
	}
	return tokens.Issue(models.Actor{ID: actorID, Role: role}, ttl)
}
