package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/models"
)

// metricColumns lists the MetricValues columns in the order metricFields returns them.
var metricColumns = []string{
	"total_cpu_cores", "used_cpu_cores", "cpu_utilization_percent",
	"total_ram_gb", "used_ram_gb", "ram_utilization_percent",
	"total_storage_gb", "used_storage_gb", "storage_utilization_percent",
	"total_apps", "watchtower_count",
	"gaming_apps_total", "gaming_palworld", "gaming_enshrouded", "gaming_minecraft",
	"crypto_presearch", "crypto_streamr", "crypto_ravencoin", "crypto_kadena",
	"crypto_alephium", "crypto_bittensor", "crypto_timpi_collector", "crypto_timpi_geocore",
	"crypto_kaspa", "crypto_nodes_total",
	"wordpress_count",
	"node_cumulus", "node_nimbus", "node_stratus", "node_total",
}

func metricFields(m *models.MetricValues) []any {
	return []any{
		&m.TotalCPUCores, &m.UsedCPUCores, &m.CPUUtilizationPercent,
		&m.TotalRAMGB, &m.UsedRAMGB, &m.RAMUtilizationPercent,
		&m.TotalStorageGB, &m.UsedStorageGB, &m.StorageUtilizationPercent,
		&m.TotalApps, &m.WatchtowerCount,
		&m.GamingAppsTotal, &m.GamingPalworld, &m.GamingEnshrouded, &m.GamingMinecraft,
		&m.CryptoPresearch, &m.CryptoStreamr, &m.CryptoRavencoin, &m.CryptoKadena,
		&m.CryptoAlephium, &m.CryptoBittensor, &m.CryptoTimpiCollector, &m.CryptoTimpiGeocore,
		&m.CryptoKaspa, &m.CryptoNodesTotal,
		&m.WordPressCount,
		&m.NodeCumulus, &m.NodeNimbus, &m.NodeStratus, &m.NodeTotal,
	}
}

// placeholders returns "$from, $from+1, ..." for n parameters.
func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

var currentMetricsSelect = `SELECT last_update, current_revenue::text, flux_price_usd::text, ` +
	strings.Join(metricColumns, ", ") + ` FROM current_metrics WHERE id = 1`

// GetCurrentMetrics implements Store.
func (s *PostgresStore) GetCurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error) {
	row, err := scanCurrentMetrics(s.db.Pool().QueryRow(ctx, currentMetricsSelect))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current metrics: %w", err)
	}
	return row.metrics(), nil
}

func scanCurrentMetrics(r pgx.Row) (*currentMetricsRow, error) {
	var row currentMetricsRow
	dest := append([]any{&row.LastUpdate, &row.CurrentRevenue, &row.FluxPriceUSD}, metricFields(&row.MetricValues)...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	row.ID = 1
	return &row, nil
}

// UpdateCurrentMetrics implements Store.
func (s *PostgresStore) UpdateCurrentMetrics(ctx context.Context, patch models.MetricsPatch) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	current := &models.CurrentMetrics{CurrentRevenue: decimal.Zero}
	row, err := scanCurrentMetrics(tx.QueryRow(ctx, currentMetricsSelect+` FOR UPDATE`))
	switch {
	case err == nil:
		current = row.metrics()
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("failed to load current metrics: %w", err)
	}

	patch.Apply(current, s.clock.Now())
	next := newCurrentMetricsRow(current)

	updates := make([]string, 0, len(metricColumns)+3)
	for _, c := range append([]string{"last_update", "current_revenue", "flux_price_usd"}, metricColumns...) {
		updates = append(updates, c+" = EXCLUDED."+c)
	}
	query := fmt.Sprintf(`
		INSERT INTO current_metrics (id, last_update, current_revenue, flux_price_usd, %s)
		VALUES (1, $1, $2, $3, %s)
		ON CONFLICT (id) DO UPDATE SET %s`,
		strings.Join(metricColumns, ", "),
		placeholders(4, len(metricColumns)),
		strings.Join(updates, ", "),
	)
	args := append([]any{next.LastUpdate, next.CurrentRevenue, next.FluxPriceUSD}, metricFields(&next.MetricValues)...)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update current metrics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit current metrics: %w", err)
	}
	return nil
}
