package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

const syncStatusColumns = `sync_type, last_sync, last_sync_block, next_sync, status, error_message`

// InitSyncStatuses implements Store.
func (s *PostgresStore) InitSyncStatuses(ctx context.Context) error {
	query := `
		INSERT INTO sync_status (sync_type, status)
		VALUES ($1, $2)
		ON CONFLICT (sync_type) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, st := range types.AllSyncTypes {
		batch.Queue(query, string(st), string(types.SyncStatePending))
	}
	if err := s.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to initialize sync status: %w", err)
	}
	return nil
}

// GetSyncStatus implements Store.
func (s *PostgresStore) GetSyncStatus(ctx context.Context, syncType types.SyncType) (*models.SyncStatus, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status WHERE sync_type = $1`

	var row syncStatusRow
	err := scanSyncStatus(s.db.Pool().QueryRow(ctx, query, string(syncType)), &row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	st := row.status()
	return &st, nil
}

// UpdateSyncStatus implements Store.
func (s *PostgresStore) UpdateSyncStatus(ctx context.Context, u models.SyncStatusUpdate) error {
	at := u.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	var next *int64
	if u.NextSync != nil {
		n := u.NextSync.Unix()
		next = &n
	}

	query := `
		INSERT INTO sync_status (` + syncStatusColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sync_type)
		DO UPDATE SET
			last_sync = EXCLUDED.last_sync,
			last_sync_block = COALESCE(EXCLUDED.last_sync_block, sync_status.last_sync_block),
			next_sync = EXCLUDED.next_sync,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message
	`
	_, err := s.db.Pool().Exec(ctx, query,
		string(u.SyncType),
		at.Unix(),
		u.LastSyncBlock,
		next,
		string(u.Status),
		u.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// ListSyncStatuses implements Store.
func (s *PostgresStore) ListSyncStatuses(ctx context.Context) ([]models.SyncStatus, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT `+syncStatusColumns+` FROM sync_status ORDER BY sync_type ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	defer rows.Close()

	var out []models.SyncStatus
	for rows.Next() {
		var row syncStatusRow
		if err := scanSyncStatus(rows, &row); err != nil {
			return nil, fmt.Errorf("failed to scan sync status row: %w", err)
		}
		out = append(out, row.status())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync status rows: %w", err)
	}
	return out, nil
}

func scanSyncStatus(row pgx.Row, dst *syncStatusRow) error {
	return row.Scan(
		&dst.SyncType,
		&dst.LastSync,
		&dst.LastSyncBlock,
		&dst.NextSync,
		&dst.Status,
		&dst.ErrorMessage,
	)
}
