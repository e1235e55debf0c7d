package main

import (
	"context"
	"errors"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/revenue-tracker/internal/app"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/service"
)

// syncCommand runs one bounded progressive-sync cycle.
//
//	revenuectl sync
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one progressive sync cycle and print its result",
		Action: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			res, err := a.Engine.RunCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}),
	}
}

// initialSyncCommand drives cycles until one finds nothing new.
//
//	revenuectl initial-sync
func initialSyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "initial-sync",
		Usage: "Run sync cycles back to back until the history is backfilled",
		Action: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			res, err := a.Engine.InitialSync(ctx)
			if res != nil {
				if perr := printJSON(out, res); perr != nil {
					return errors.Join(err, perr)
				}
			}
			return err
		}),
	}
}

// snapshotCommand takes today's snapshot if the metrics allow it.
//
//	revenuectl snapshot
func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Take today's daily snapshot now",
		Action: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			res := a.Snapshots.TakeManualSnapshot(ctx)
			if err := printJSON(out, res); err != nil {
				return err
			}
			if !res.Success && !res.Skipped {
				return errors.New(res.Error)
			}
			return nil
		}),
	}
}

// cleanupCommand applies the retention window.
//
//	revenuectl cleanup
func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete snapshots and transactions older than the retention window",
		Action: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			res, err := a.Snapshots.ApplyRetention(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}),
	}
}

type statusOutput struct {
	SyncStatuses []models.SyncStatus         `json:"syncStatuses"`
	Snapshot     *service.SnapshotStatus     `json:"snapshot"`
	Transactions *service.TransactionSummary `json:"transactions"`
}

// statusCommand prints persisted sync status rows and summary figures.
//
//	revenuectl status
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print sync status, snapshot status and transaction totals",
		Action: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			statuses, err := a.Store.ListSyncStatuses(ctx)
			if err != nil {
				return err
			}
			snap, err := a.Snapshots.Status(ctx)
			if err != nil {
				return err
			}
			summary, err := a.Revenue.TransactionSummary(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, statusOutput{
				SyncStatuses: statuses,
				Snapshot:     snap,
				Transactions: summary,
			})
		}),
	}
}

var metricsIntFlags = []struct {
	name  string
	usage string
	field func(p *models.MetricsPatch) **int64
}{
	{"node-total", "total node count", func(p *models.MetricsPatch) **int64 { return &p.NodeTotal }},
	{"node-cumulus", "cumulus tier nodes", func(p *models.MetricsPatch) **int64 { return &p.NodeCumulus }},
	{"node-nimbus", "nimbus tier nodes", func(p *models.MetricsPatch) **int64 { return &p.NodeNimbus }},
	{"node-stratus", "stratus tier nodes", func(p *models.MetricsPatch) **int64 { return &p.NodeStratus }},
	{"total-apps", "running application count", func(p *models.MetricsPatch) **int64 { return &p.TotalApps }},
	{"cpu-cores", "total CPU cores", func(p *models.MetricsPatch) **int64 { return &p.TotalCPUCores }},
}

var metricsFloatFlags = []struct {
	name  string
	usage string
	field func(p *models.MetricsPatch) **float64
}{
	{"ram-gb", "total RAM in GB", func(p *models.MetricsPatch) **float64 { return &p.TotalRAMGB }},
	{"storage-gb", "total storage in GB", func(p *models.MetricsPatch) **float64 { return &p.TotalStorageGB }},
}

// metricsCommand writes network counters into current_metrics. Only flags
// given on the command line are changed.
//
//	revenuectl metrics set --node-total 12000 --total-apps 3000
func metricsCommand() *cli.Command {
	var flags []cli.Flag
	for _, f := range metricsIntFlags {
		flags = append(flags, &cli.Int64Flag{Name: f.name, Usage: f.usage})
	}
	for _, f := range metricsFloatFlags {
		flags = append(flags, &cli.FloatFlag{Name: f.name, Usage: f.usage})
	}

	return &cli.Command{
		Name:  "metrics",
		Usage: "Inspect or update the current network metrics",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Update current network metrics from flags",
				Flags: flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					patch := metricsPatchFromFlags(c)
					return withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
						cur, err := a.Revenue.UpdateNetworkMetrics(ctx, patch)
						if err != nil {
							return err
						}
						return printJSON(out, cur)
					})(ctx, c)
				},
			},
		},
	}
}

func metricsPatchFromFlags(c *cli.Command) models.MetricsPatch {
	var patch models.MetricsPatch
	for _, f := range metricsIntFlags {
		if c.IsSet(f.name) {
			v := c.Int64(f.name)
			*f.field(&patch) = &v
		}
	}
	for _, f := range metricsFloatFlags {
		if c.IsSet(f.name) {
			v := c.Float(f.name)
			*f.field(&patch) = &v
		}
	}
	return patch
}
