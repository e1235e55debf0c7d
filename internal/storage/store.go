// Package storage is the Dedup & Persistence Store: payment records keyed
// uniquely by txid, sync status, current metrics and daily snapshots. It
// ships an embedded SQLite backend (gorm), a Postgres backend (pgx) and a
// Redis-backed decorator that caches aggregates.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

// ErrNotFound is returned when a single-row lookup finds nothing.
var ErrNotFound = errors.New("storage: not found")

// TransactionQuery selects a page of payment records. Search matches txid,
// address, sender, amount or date as a substring.
type TransactionQuery struct {
	Page   int
	Limit  int
	Search string
}

// TransactionPage is one page of ListTransactions.
type TransactionPage struct {
	Transactions []models.PaymentRecord `json:"transactions"`
	Total        int64                  `json:"total"`
	Page         int                    `json:"page"`
	Limit        int                    `json:"limit"`
	TotalPages   int                    `json:"totalPages"`
}

// Store is implemented by SQLiteStore, PostgresStore and CachedStore.
type Store interface {
	// BatchInsert writes records in one transaction with insert-or-ignore
	// on txid and returns how many rows were new.
	BatchInsert(ctx context.Context, records []models.PaymentRecord) (int, error)
	ExistingTxids(ctx context.Context) (types.Set[string], error)
	TxidCount(ctx context.Context) (int64, error)

	RevenueForRange(ctx context.Context, startDate, endDate string) (decimal.Decimal, error)
	CountForRange(ctx context.Context, startDate, endDate string) (int64, error)
	RevenueForBlockRange(ctx context.Context, startBlock, endBlock int64) (decimal.Decimal, error)
	// LastSyncedBlock is MAX(block_height), nil when the table is empty.
	LastSyncedBlock(ctx context.Context) (*int64, error)
	DailyRevenue(ctx context.Context, startDate, endDate string) ([]models.DailyRevenue, error)

	TransactionsByDate(ctx context.Context, date string) ([]models.PaymentRecord, error)
	ListTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error)

	DeleteOldTransactions(ctx context.Context, cutoffDate string) (int64, error)
	DeleteOldSnapshots(ctx context.Context, cutoffDate string) (int64, error)

	InitSyncStatuses(ctx context.Context) error
	GetSyncStatus(ctx context.Context, syncType types.SyncType) (*models.SyncStatus, error)
	UpdateSyncStatus(ctx context.Context, u models.SyncStatusUpdate) error
	ListSyncStatuses(ctx context.Context) ([]models.SyncStatus, error)

	GetCurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error)
	UpdateCurrentMetrics(ctx context.Context, patch models.MetricsPatch) error

	// CreateSnapshot inserts s unless a row for its date exists; created
	// reports whether a row was written.
	CreateSnapshot(ctx context.Context, s *models.DailySnapshot) (created bool, err error)
	GetSnapshot(ctx context.Context, date string) (*models.DailySnapshot, error)
	ListSnapshots(ctx context.Context, startDate, endDate string) ([]models.DailySnapshot, error)
	LatestSnapshots(ctx context.Context, n int) ([]models.DailySnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by cfg.Driver, wrapped in a
// CachedStore when Redis is enabled and reachable.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "sqlite", "":
		store, err = NewSQLiteStore(cfg.SQLite.Path, opts...)
	case "postgres":
		if err := RunMigrations(cfg.Postgres.URL()); err != nil {
			return nil, err
		}
		var db *PostgresDB
		db, err = NewPostgresDB(&cfg.Postgres)
		if err == nil {
			store = NewPostgresStore(db, opts...)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.InitSyncStatuses(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	if !cfg.Redis.Enabled {
		return store, nil
	}
	rc, err := NewRedisCache(&cfg.Redis)
	if err != nil {
		logging.WithError(err).Warn("Redis unavailable, aggregates will not be cached")
		return store, nil
	}
	return NewCachedStore(store, NewCacheService(rc, cfg.Redis.TTL)), nil
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func normalizeQuery(q TransactionQuery) TransactionQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

func newPage(records []models.PaymentRecord, total int64, q TransactionQuery) *TransactionPage {
	if records == nil {
		records = []models.PaymentRecord{}
	}
	pages := int((total + int64(q.Limit) - 1) / int64(q.Limit))
	return &TransactionPage{
		Transactions: records,
		Total:        total,
		Page:         q.Page,
		Limit:        q.Limit,
		TotalPages:   pages,
	}
}

// likePattern escapes LIKE wildcards in s and wraps it in %...%.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func nullDecimalFromString(s *string) decimal.NullDecimal {
	if s == nil || *s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullDecimalToString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
