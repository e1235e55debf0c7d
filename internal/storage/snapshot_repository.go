package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/revenue-tracker/internal/models"
)

var snapshotColumns = `snapshot_date::text, timestamp, daily_revenue::text, flux_price_usd::text, ` +
	strings.Join(metricColumns, ", ") + `, sync_status, created_at`

// CreateSnapshot implements Store. The insert is a no-op when a row for
// the date already exists.
func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *models.DailySnapshot) (bool, error) {
	row := newDailySnapshotRow(snap)

	n := len(metricColumns)
	query := fmt.Sprintf(`
		INSERT INTO daily_snapshots (
			snapshot_date, timestamp, daily_revenue, flux_price_usd, %s, sync_status, created_at
		)
		VALUES ($1::date, $2, $3, $4, %s, $%d, $%d)
		ON CONFLICT (snapshot_date) DO NOTHING`,
		strings.Join(metricColumns, ", "),
		placeholders(5, n),
		n+5, n+6,
	)

	args := []any{row.SnapshotDate, row.Timestamp, row.DailyRevenue, row.FluxPriceUSD}
	args = append(args, metricFields(&row.MetricValues)...)
	args = append(args, row.SyncStatus, row.CreatedAt)

	tag, err := s.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSnapshot implements Store.
func (s *PostgresStore) GetSnapshot(ctx context.Context, date string) (*models.DailySnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM daily_snapshots WHERE snapshot_date = $1::date`

	var row dailySnapshotRow
	if err := scanSnapshot(s.db.Pool().QueryRow(ctx, query, date), &row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap := row.snapshot()
	return &snap, nil
}

// ListSnapshots implements Store. Snapshots come back in chronological order.
func (s *PostgresStore) ListSnapshots(ctx context.Context, startDate, endDate string) ([]models.DailySnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM daily_snapshots
		WHERE snapshot_date BETWEEN $1::date AND $2::date
		ORDER BY snapshot_date ASC
	`
	return s.querySnapshots(ctx, query, startDate, endDate)
}

// LatestSnapshots implements Store.
func (s *PostgresStore) LatestSnapshots(ctx context.Context, n int) ([]models.DailySnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM daily_snapshots
		ORDER BY snapshot_date DESC
		LIMIT $1
	`
	return s.querySnapshots(ctx, query, n)
}

// DeleteOldSnapshots implements Store.
func (s *PostgresStore) DeleteOldSnapshots(ctx context.Context, cutoffDate string) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM daily_snapshots WHERE snapshot_date < $1::date`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) querySnapshots(ctx context.Context, query string, args ...any) ([]models.DailySnapshot, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []dailySnapshotRow
	for rows.Next() {
		var row dailySnapshotRow
		if err := scanSnapshot(rows, &row); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return toSnapshots(out), nil
}

func scanSnapshot(r pgx.Row, dst *dailySnapshotRow) error {
	dest := []any{&dst.SnapshotDate, &dst.Timestamp, &dst.DailyRevenue, &dst.FluxPriceUSD}
	dest = append(dest, metricFields(&dst.MetricValues)...)
	dest = append(dest, &dst.SyncStatus, &dst.CreatedAt)
	return r.Scan(dest...)
}
