// Command notifier runs the notification delivery service.
//
// Usage:
//
//	notifier [-config path] serve
//	notifier [-config path] migrate up|down
//	notifier [-config path] token -sub ID -role user|service|admin [-ttl 24h]
//	notifier version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/referral-notifier/internal/app"
	"github.com/bissquit/referral-notifier/internal/config"
	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/pkg/auth"
	"github.com/bissquit/referral-notifier/internal/version"
	"github.com/bissquit/referral-notifier/migrations"
)

func main() {
	configPath := flag.String("config", os.Getenv("NOTIFIER_CONFIG"), "path to YAML config file")
	flag.Usage = usage
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}
	args := flag.Args()
	if len(args) > 0 {
		args = args[1:]
	}

	if cmd == "version" {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("load config", err)
	}

	switch cmd {
	case "serve":
		err = serve(cfg)
	case "migrate":
		err = migrate(cfg, args)
	case "token":
		err = issueToken(cfg, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(cmd, err)
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return application.Shutdown(shutdownCtx)
}

func migrate(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: migrate up|down")
	}

	logger := app.NewLogger(cfg.Log)

	switch args[0] {
	case "up":
		if err := migrations.Up(cfg.Database.URL); err != nil {
			return err
		}
	case "down":
		if err := migrations.Down(cfg.Database.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migrate direction %q", args[0])
	}

	logger.Info("migrations applied", "direction", args[0])
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "token subject (user id or service name)")
	role := fs.String("role", string(domain.RoleService), "caller role")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}

	authenticator := auth.NewAuthenticator(auth.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
	})

	token, err := authenticator.IssueToken(*subject, domain.Role(*role), *ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [-config path] <command>

Commands:
  serve              run the HTTP API, worker and janitor (default)
  migrate up|down    apply or roll back database migrations
  token              issue a bearer token (-sub, -role, -ttl)
  version            print build information

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func fail(op string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	os.Exit(1)
}
