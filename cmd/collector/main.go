// Package main contains the entrypoint of the activity collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgard/tgcollector/internal/app"
	"github.com/edgard/tgcollector/internal/config"
	"github.com/edgard/tgcollector/internal/logger"
)

const usage = `usage: collector [-config path] <command> [flags]

commands:
  daemon                    run the scheduler and admin server (default)
  run-once -account ID|-all collect once and exit
  locks -account ID         print the session lock of an account
  unlock -account ID        remove the session lock of an account
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx, os.Args[1:])
	stop()
	os.Exit(exitCode)
}

// run loads configuration, builds the application and dispatches the
// command. It returns the process exit code.
func run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("collector", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cmd := "daemon"
	rest := fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	switch cmd {
	case "daemon", "run-once", "locks", "unlock":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize collector", "error", err)
		return 1
	}
	defer a.Close()

	switch cmd {
	case "run-once":
		return runOnce(ctx, a, cfg, log, rest)
	case "locks":
		return showLock(ctx, a, cfg, log, rest)
	case "unlock":
		return unlock(ctx, a, cfg, log, rest)
	default:
		if err := a.Run(ctx); err != nil {
			return 1
		}
		return 0
	}
}

func runOnce(ctx context.Context, a *app.App, cfg *config.Config, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run-once", flag.ContinueOnError)
	account := fs.String("account", "", "Account to collect")
	all := fs.Bool("all", false, "Collect every configured account")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var accounts []string
	switch {
	case *all:
		for _, acc := range cfg.Accounts {
			accounts = append(accounts, acc.ID)
		}
	case *account != "":
		if _, ok := cfg.Account(*account); !ok {
			log.Error("Unknown account", "account", *account)
			return 2
		}
		accounts = []string{*account}
	default:
		log.Error("run-once needs -account or -all")
		return 2
	}

	code := 0
	for _, out := range a.RunOnce(ctx, accounts) {
		if !out.OK() {
			code = 1
		}
	}
	return code
}

func lockAccount(cfg *config.Config, log *slog.Logger, name string, args []string) (string, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	account := fs.String("account", "", "Account whose lock to use")
	if err := fs.Parse(args); err != nil {
		return "", false
	}
	if _, ok := cfg.Account(*account); !ok {
		log.Error("Unknown account", "account", *account)
		return "", false
	}
	return *account, true
}

func showLock(ctx context.Context, a *app.App, cfg *config.Config, log *slog.Logger, args []string) int {
	account, ok := lockAccount(cfg, log, "locks", args)
	if !ok {
		return 2
	}

	marker, err := a.Locker().Inspect(ctx, account)
	if err != nil {
		log.Error("Failed to read session lock", "account", account, "error", err)
		return 1
	}
	if marker == nil {
		fmt.Printf("%s: unlocked\n", account)
		return 0
	}
	out, err := marker.YAML()
	if err != nil {
		log.Error("Failed to render session lock", "account", account, "error", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func unlock(ctx context.Context, a *app.App, cfg *config.Config, log *slog.Logger, args []string) int {
	account, ok := lockAccount(cfg, log, "unlock", args)
	if !ok {
		return 2
	}
	removed, err := a.Locker().ForceRelease(ctx, account)
	if err != nil {
		log.Error("Failed to remove session lock", "account", account, "error", err)
		return 1
	}
	if removed {
		fmt.Printf("%s: lock removed\n", account)
	} else {
		fmt.Printf("%s: unlocked\n", account)
	}
	return 0
}
