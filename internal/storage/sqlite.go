package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

const insertBatchSize = 500

// SQLiteStore is the embedded single-file backend.
type SQLiteStore struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewSQLiteStore opens (creating if needed) the database file at path and
// migrates the schema.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := applyOptions(opts)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	// WAL keeps readers (API, snapshot checks) off the writer's lock.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db, clock: o.clock}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, model := range []any{
		&transactionRow{},
		&syncStatusRow{},
		&currentMetricsRow{},
		&dailySnapshotRow{},
	} {
		if err := s.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

// BatchInsert implements Store.
func (s *SQLiteStore) BatchInsert(ctx context.Context, records []models.PaymentRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([]transactionRow, len(records))
	for i, r := range records {
		rows[i] = newTransactionRow(r)
	}

	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "txid"}},
			DoNothing: true,
		}).CreateInBatches(rows, insertBatchSize)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to batch insert transactions: %w", err)
	}
	return int(inserted), nil
}

// ExistingTxids implements Store.
func (s *SQLiteStore) ExistingTxids(ctx context.Context) (types.Set[string], error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&transactionRow{}).Pluck("txid", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load txids: %w", err)
	}
	return types.NewSet(ids...), nil
}

// TxidCount implements Store.
func (s *SQLiteStore) TxidCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&transactionRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// RevenueForRange implements Store. Bounds are inclusive.
func (s *SQLiteStore) RevenueForRange(ctx context.Context, startDate, endDate string) (decimal.Decimal, error) {
	var sats int64
	err := s.db.WithContext(ctx).Model(&transactionRow{}).
		Select("COALESCE(SUM(amount_sat), 0)").
		Where("date BETWEEN ? AND ?", startDate, endDate).
		Scan(&sats).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return models.AmountFromSats(sats), nil
}

// CountForRange implements Store.
func (s *SQLiteStore) CountForRange(ctx context.Context, startDate, endDate string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&transactionRow{}).
		Where("date BETWEEN ? AND ?", startDate, endDate).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count revenue transactions: %w", err)
	}
	return n, nil
}

// RevenueForBlockRange implements Store.
func (s *SQLiteStore) RevenueForBlockRange(ctx context.Context, startBlock, endBlock int64) (decimal.Decimal, error) {
	var sats int64
	err := s.db.WithContext(ctx).Model(&transactionRow{}).
		Select("COALESCE(SUM(amount_sat), 0)").
		Where("block_height BETWEEN ? AND ?", startBlock, endBlock).
		Scan(&sats).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum revenue by block: %w", err)
	}
	return models.AmountFromSats(sats), nil
}

// LastSyncedBlock implements Store.
func (s *SQLiteStore) LastSyncedBlock(ctx context.Context) (*int64, error) {
	var max sql.NullInt64
	err := s.db.WithContext(ctx).Model(&transactionRow{}).
		Select("MAX(block_height)").
		Scan(&max).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read last synced block: %w", err)
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Int64, nil
}

type dailyRevenueRow struct {
	Date  string
	Sats  int64
	Count int64
}

// DailyRevenue implements Store.
func (s *SQLiteStore) DailyRevenue(ctx context.Context, startDate, endDate string) ([]models.DailyRevenue, error) {
	var rows []dailyRevenueRow
	err := s.db.WithContext(ctx).Model(&transactionRow{}).
		Select("date, COALESCE(SUM(amount_sat), 0) AS sats, COUNT(*) AS count").
		Where("date BETWEEN ? AND ?", startDate, endDate).
		Group("date").
		Order("date ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load daily revenue: %w", err)
	}
	return toDailyRevenue(rows), nil
}

func toDailyRevenue(rows []dailyRevenueRow) []models.DailyRevenue {
	out := make([]models.DailyRevenue, len(rows))
	for i, r := range rows {
		out[i] = models.DailyRevenue{Date: r.Date, Revenue: models.AmountFromSats(r.Sats), Count: r.Count}
	}
	return out
}

// TransactionsByDate implements Store.
func (s *SQLiteStore) TransactionsByDate(ctx context.Context, date string) ([]models.PaymentRecord, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("date = ?", date).
		Order("timestamp DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions for %s: %w", date, err)
	}
	return toRecords(rows), nil
}

// ListTransactions implements Store.
func (s *SQLiteStore) ListTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error) {
	q = normalizeQuery(q)

	base := s.db.WithContext(ctx).Model(&transactionRow{})
	if q.Search != "" {
		p := likePattern(q.Search)
		base = base.Where(
			`txid LIKE ? ESCAPE '\' OR address LIKE ? ESCAPE '\' OR from_address LIKE ? ESCAPE '\' OR CAST(amount AS TEXT) LIKE ? ESCAPE '\' OR date LIKE ? ESCAPE '\'`,
			p, p, p, p, p,
		)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	var rows []transactionRow
	err := base.Session(&gorm.Session{}).
		Order("block_height DESC").
		Order("timestamp DESC").
		Limit(q.Limit).
		Offset((q.Page - 1) * q.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return newPage(toRecords(rows), total, q), nil
}

func toRecords(rows []transactionRow) []models.PaymentRecord {
	out := make([]models.PaymentRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out
}

// DeleteOldTransactions implements Store.
func (s *SQLiteStore) DeleteOldTransactions(ctx context.Context, cutoffDate string) (int64, error) {
	res := s.db.WithContext(ctx).Where("date < ?", cutoffDate).Delete(&transactionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old transactions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOldSnapshots implements Store.
func (s *SQLiteStore) DeleteOldSnapshots(ctx context.Context, cutoffDate string) (int64, error) {
	res := s.db.WithContext(ctx).Where("snapshot_date < ?", cutoffDate).Delete(&dailySnapshotRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// InitSyncStatuses implements Store.
func (s *SQLiteStore) InitSyncStatuses(ctx context.Context) error {
	rows := make([]syncStatusRow, len(types.AllSyncTypes))
	for i, st := range types.AllSyncTypes {
		rows[i] = syncStatusRow{SyncType: string(st), Status: string(types.SyncStatePending)}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sync_type"}},
		DoNothing: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to initialize sync status: %w", err)
	}
	return nil
}

// GetSyncStatus implements Store.
func (s *SQLiteStore) GetSyncStatus(ctx context.Context, syncType types.SyncType) (*models.SyncStatus, error) {
	var row syncStatusRow
	err := s.db.WithContext(ctx).Where("sync_type = ?", string(syncType)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	st := row.status()
	return &st, nil
}

// UpdateSyncStatus implements Store.
func (s *SQLiteStore) UpdateSyncStatus(ctx context.Context, u models.SyncStatusUpdate) error {
	at := u.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	row := syncStatusRow{
		SyncType:      string(u.SyncType),
		LastSync:      at.Unix(),
		LastSyncBlock: u.LastSyncBlock,
		Status:        string(u.Status),
		ErrorMessage:  u.ErrorMessage,
	}
	if u.NextSync != nil {
		n := u.NextSync.Unix()
		row.NextSync = &n
	}

	update := []string{"last_sync", "next_sync", "status", "error_message"}
	if u.LastSyncBlock != nil {
		update = append(update, "last_sync_block")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sync_type"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// ListSyncStatuses implements Store.
func (s *SQLiteStore) ListSyncStatuses(ctx context.Context) ([]models.SyncStatus, error) {
	var rows []syncStatusRow
	if err := s.db.WithContext(ctx).Order("sync_type ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	out := make([]models.SyncStatus, len(rows))
	for i, r := range rows {
		out[i] = r.status()
	}
	return out, nil
}

// GetCurrentMetrics implements Store.
func (s *SQLiteStore) GetCurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error) {
	var row currentMetricsRow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current metrics: %w", err)
	}
	return row.metrics(), nil
}

// UpdateCurrentMetrics implements Store.
func (s *SQLiteStore) UpdateCurrentMetrics(ctx context.Context, patch models.MetricsPatch) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := &models.CurrentMetrics{CurrentRevenue: decimal.Zero}
		var row currentMetricsRow
		err := tx.Where("id = ?", 1).Take(&row).Error
		switch {
		case err == nil:
			current = row.metrics()
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		patch.Apply(current, s.clock.Now())
		next := newCurrentMetricsRow(current)
		return tx.Save(&next).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update current metrics: %w", err)
	}
	return nil
}

// CreateSnapshot implements Store.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *models.DailySnapshot) (bool, error) {
	row := newDailySnapshotRow(snap)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_date"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create snapshot: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetSnapshot implements Store.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, date string) (*models.DailySnapshot, error) {
	var row dailySnapshotRow
	err := s.db.WithContext(ctx).Where("snapshot_date = ?", date).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap := row.snapshot()
	return &snap, nil
}

// ListSnapshots implements Store.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, startDate, endDate string) ([]models.DailySnapshot, error) {
	var rows []dailySnapshotRow
	err := s.db.WithContext(ctx).
		Where("snapshot_date BETWEEN ? AND ?", startDate, endDate).
		Order("snapshot_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return toSnapshots(rows), nil
}

// LatestSnapshots implements Store.
func (s *SQLiteStore) LatestSnapshots(ctx context.Context, n int) ([]models.DailySnapshot, error) {
	var rows []dailySnapshotRow
	err := s.db.WithContext(ctx).Order("snapshot_date DESC").Limit(n).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list latest snapshots: %w", err)
	}
	return toSnapshots(rows), nil
}

func toSnapshots(rows []dailySnapshotRow) []models.DailySnapshot {
	out := make([]models.DailySnapshot, len(rows))
	for i, r := range rows {
		out[i] = r.snapshot()
	}
	return out
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLiteStore)(nil)
