// Command notifyctl is the operator CLI for balances, preferences and dispatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/token-notifier/internal/app"
	"github.com/and161185/token-notifier/internal/config"
	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/logger"
	"github.com/and161185/token-notifier/internal/repository/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `notifyctl
Usage:
  notifyctl [-timeout 1m] [-env-file .env] <cmd> [args]
  (configuration is read from the same environment as the notifier)

Commands:
  version
  run-once    [-at RFC3339]
  send-test   -user <uuid> -channel email|messaging|push
  next        -user <uuid> -channel <ch> [-at RFC3339]
  balance     -user <uuid>
  debit       -user <uuid> -amount <n> [-reason r]
  charge      -user <uuid> -prompt <n> -completion <n> [-reason r]
  credit      -user <uuid> -amount <n> [-reason r]
  history     -user <uuid> [-limit 20] [-offset 0]
  prefs-get   -user <uuid> [-channel <ch>]
  prefs-set   -user <uuid> -channel <ch> [-enabled] [-frequency daily|weekly|monthly]
              [-time HH:MM] [-interval <days>]
  contact-set -user <uuid> -channel <ch> -address <addr>
  advisory    -user <uuid>
  dismiss     -user <uuid> -tier REMINDER|WARNING
  provision   -user <uuid>
`)
	os.Exit(2)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errUsage):
		os.Exit(2)
	case errors.Is(err, errs.ErrNotFound):
		os.Exit(3)
	}
	os.Exit(1)
}

// main connects to the database directly and runs one subcommand.
func main() {
	timeout := flag.Duration("timeout", 0, "overall deadline (default RUN_TIMEOUT)")
	envFile := flag.String("env-file", "", "dotenv file loaded before the environment is read")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	if flag.Arg(0) == "version" {
		fmt.Printf("notifyctl %s (%s)\n", version, buildDate)
		return
	}

	cfg, err := config.LoadFile(*envFile)
	if err != nil {
		fail(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fail(err)
	}
	defer func() { _ = log.Sync() }()

	d := cfg.RunTimeout
	if *timeout > 0 {
		d = *timeout
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		fail(err)
	}
	defer db.Close()

	a, err := app.New(cfg, db, log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		fail(err)
	}
	defer func() { _ = a.Close() }()

	if err := run(ctx, a, flag.Args(), os.Stdout); err != nil {
		fail(err)
	}
}
