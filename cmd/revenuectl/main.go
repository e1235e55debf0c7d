// Package main provides revenuectl, the operator CLI for one-off sync,
// snapshot and retention runs against the configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/revenue-tracker/internal/app"
	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "revenuectl",
		Description:           "Operator commands for the revenue tracker. Each command loads the same configuration as the server.",
		Usage:                 "revenuectl [command] [flags]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override LOG_LEVEL",
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			initialSyncCommand(),
			snapshotCommand(),
			cleanupCommand(),
			statusCommand(),
			metricsCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "revenuectl:", err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the pipeline and hands it to fn.
func withApp(fn func(ctx context.Context, a *app.App, out io.Writer) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if v := c.String("log-level"); v != "" {
			level = v
		}
		logging.InitGlobalLogger(logging.ParseLogLevel(level), logging.ParseLogFormat(cfg.Logging.Format))
		logger := logging.GetGlobalLogger()
		defer func() { _ = logger.Sync() }()
		ctx = logging.WithLogger(ctx, logger)

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		return fn(ctx, a, c.Root().Writer)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
