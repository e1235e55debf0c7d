// Package main provides the revenue tracker daemon: sync scheduler, daily
// snapshot manager and HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/revenue-tracker/internal/api"
	"github.com/revenue-tracker/internal/app"
	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()

	server, err := api.NewServer(cfg.Server, api.Dependencies{
		Sync:      a.Scheduler,
		Engine:    a.Engine,
		Snapshots: a.Snapshots,
		Revenue:   a.Revenue,
		Store:     a.Store,
		Logger:    logger,
		Metrics:   a.Metrics,
		Gatherer:  a.Registry,
	})
	if err != nil {
		return err
	}

	// First start against an empty store backfills before the scheduler
	// takes over; the API is already serving by then.
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	if empty, err := a.NeedsInitialSync(ctx); err != nil {
		logger.WithError(err).Warn("Could not count stored transactions, skipping initial sync")
	} else if empty {
		res, err := a.Engine.InitialSync(ctx)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			logger.WithError(err).Warn("Initial sync did not complete, scheduler will continue")
		default:
			logger.WithFields(map[string]interface{}{
				"cycles":    res.Cycles,
				"inserted":  res.Inserted,
				"converged": res.Converged,
			}).Info("Initial sync finished")
		}
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := a.Snapshots.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("API server failed")
		}
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Snapshots.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
