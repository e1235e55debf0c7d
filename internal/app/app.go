// Package app assembles the revenue tracker from a loaded Config.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/ingest"
	"github.com/revenue-tracker/internal/ledger"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/metrics"
	"github.com/revenue-tracker/internal/service"
	"github.com/revenue-tracker/internal/storage"
	"github.com/revenue-tracker/internal/worker"
)

// App holds every long-lived component. Close releases the store.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Ledger    *ledger.Client
	Engine    *ingest.Engine
	Scheduler *worker.SyncScheduler
	Snapshots *service.SnapshotService
	Revenue   *service.RevenueService
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
}

// New opens the store and builds the pipeline on top of it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	clk := clock.Real{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := storage.Open(ctx, cfg.Database, storage.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client, err := ledger.NewClient(ledger.NewClientConfig(cfg.Ledger), ledger.WithClock(clk))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	revenue := service.NewRevenueService(store, clk)

	engine, err := ingest.NewEngine(
		ingest.NewEngineConfig(cfg.Sync, cfg.Ledger),
		client,
		store,
		ingest.WithClock(clk),
		ingest.WithMetrics(m),
		ingest.WithRevenueUpdater(revenue),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	scheduler, err := worker.NewSyncScheduler(
		worker.NewSchedulerConfig(cfg.Sync),
		engine,
		worker.WithClock(clk),
		worker.WithMetrics(m),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create sync scheduler: %w", err)
	}

	snapshots := service.NewSnapshotService(cfg.Snapshot, store,
		service.WithSnapshotClock(clk),
		service.WithSnapshotMetrics(m),
	)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"driver":    cfg.Database.Driver,
		"addresses": len(cfg.Sync.TrackedAddresses),
		"interval":  cfg.Sync.Interval.String(),
	}).Info("Revenue tracker assembled")

	return &App{
		Config:    cfg,
		Store:     store,
		Ledger:    client,
		Engine:    engine,
		Scheduler: scheduler,
		Snapshots: snapshots,
		Revenue:   revenue,
		Metrics:   m,
		Registry:  reg,
	}, nil
}

// NeedsInitialSync reports whether the store holds no payments yet.
func (a *App) NeedsInitialSync(ctx context.Context) (bool, error) {
	n, err := a.Store.TxidCount(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
