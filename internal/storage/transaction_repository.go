package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

const transactionColumns = `txid, address, from_address, amount_sat, amount_usd::text,
	block_height, timestamp, date::text`

// BatchInsert implements Store.
func (s *PostgresStore) BatchInsert(ctx context.Context, records []models.PaymentRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO revenue_transactions (
			txid, address, from_address, amount, amount_sat, amount_usd,
			block_height, timestamp, date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (txid) DO NOTHING
	`

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	batch := &pgx.Batch{}
	for _, r := range records {
		row := newTransactionRow(r)
		batch.Queue(query,
			row.TxID,
			row.Address,
			row.FromAddress,
			row.Amount,
			row.AmountSat,
			row.AmountUSD,
			row.BlockHeight,
			row.Timestamp,
			row.Date,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("failed to insert transaction: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return inserted, nil
}

// ExistingTxids implements Store.
func (s *PostgresStore) ExistingTxids(ctx context.Context) (types.Set[string], error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT txid FROM revenue_transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query txids: %w", err)
	}
	txids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan txids: %w", err)
	}
	return types.NewSet(txids...), nil
}

// TxidCount implements Store.
func (s *PostgresStore) TxidCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM revenue_transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// RevenueForRange implements Store.
func (s *PostgresStore) RevenueForRange(ctx context.Context, startDate, endDate string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount_sat), 0)
		FROM revenue_transactions
		WHERE date BETWEEN $1::date AND $2::date
	`
	var sats int64
	if err := s.db.Pool().QueryRow(ctx, query, startDate, endDate).Scan(&sats); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return models.AmountFromSats(sats), nil
}

// CountForRange implements Store.
func (s *PostgresStore) CountForRange(ctx context.Context, startDate, endDate string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM revenue_transactions
		WHERE date BETWEEN $1::date AND $2::date
	`
	var n int64
	if err := s.db.Pool().QueryRow(ctx, query, startDate, endDate).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// RevenueForBlockRange implements Store.
func (s *PostgresStore) RevenueForBlockRange(ctx context.Context, startBlock, endBlock int64) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount_sat), 0)
		FROM revenue_transactions
		WHERE block_height BETWEEN $1 AND $2
	`
	var sats int64
	if err := s.db.Pool().QueryRow(ctx, query, startBlock, endBlock).Scan(&sats); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum block range revenue: %w", err)
	}
	return models.AmountFromSats(sats), nil
}

// LastSyncedBlock implements Store.
func (s *PostgresStore) LastSyncedBlock(ctx context.Context) (*int64, error) {
	var height *int64
	if err := s.db.Pool().QueryRow(ctx, `SELECT MAX(block_height) FROM revenue_transactions`).Scan(&height); err != nil {
		return nil, fmt.Errorf("failed to get last synced block: %w", err)
	}
	return height, nil
}

// DailyRevenue implements Store.
func (s *PostgresStore) DailyRevenue(ctx context.Context, startDate, endDate string) ([]models.DailyRevenue, error) {
	query := `
		SELECT date::text, COALESCE(SUM(amount_sat), 0), COUNT(*)
		FROM revenue_transactions
		WHERE date BETWEEN $1::date AND $2::date
		GROUP BY date
		ORDER BY date ASC
	`
	rows, err := s.db.Pool().Query(ctx, query, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily revenue: %w", err)
	}
	defer rows.Close()

	var out []dailyRevenueRow
	for rows.Next() {
		var r dailyRevenueRow
		if err := rows.Scan(&r.Date, &r.Sats, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily revenue row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily revenue rows: %w", err)
	}
	return toDailyRevenue(out), nil
}

// TransactionsByDate implements Store.
func (s *PostgresStore) TransactionsByDate(ctx context.Context, date string) ([]models.PaymentRecord, error) {
	query := `SELECT ` + transactionColumns + `
		FROM revenue_transactions
		WHERE date = $1::date
		ORDER BY timestamp DESC
	`
	return s.queryRecords(ctx, query, date)
}

// ListTransactions implements Store.
func (s *PostgresStore) ListTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error) {
	q = normalizeQuery(q)

	where := ""
	args := []any{}
	if q.Search != "" {
		where = `WHERE txid ILIKE $1 OR address ILIKE $1 OR from_address ILIKE $1
			OR amount::text LIKE $1 OR date::text LIKE $1`
		args = append(args, likePattern(q.Search))
	}

	var total int64
	if err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM revenue_transactions `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s
		FROM revenue_transactions
		%s
		ORDER BY block_height DESC, timestamp DESC
		LIMIT $%d OFFSET $%d`, transactionColumns, where, n+1, n+2)
	args = append(args, q.Limit, (q.Page-1)*q.Limit)

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return newPage(records, total, q), nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]models.PaymentRecord, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []models.PaymentRecord
	for rows.Next() {
		var row transactionRow
		err := rows.Scan(
			&row.TxID,
			&row.Address,
			&row.FromAddress,
			&row.AmountSat,
			&row.AmountUSD,
			&row.BlockHeight,
			&row.Timestamp,
			&row.Date,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		records = append(records, row.record())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return records, nil
}

// DeleteOldTransactions implements Store.
func (s *PostgresStore) DeleteOldTransactions(ctx context.Context, cutoffDate string) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM revenue_transactions WHERE date < $1::date`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}
