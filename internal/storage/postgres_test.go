package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "revenue_tracker_test",
		User:           "revenue",
		Password:       "revenue_dev_password",
		MaxConnections: 4,
	}
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunMigrations(cfg.URL()))
	ctx := testContext(t)
	_, err = db.Pool().Exec(ctx, `TRUNCATE revenue_transactions, sync_status, current_metrics, daily_snapshots`)
	require.NoError(t, err)

	return NewPostgresStore(db, WithClock(clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))))
}

func TestPostgresStore_BatchInsertIsIdempotent(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := testContext(t)

	batch := []models.PaymentRecord{
		record("tx1", "2024-04-30", 500000000, 100),
		record("tx2", "2024-04-30", 250000000, 101),
	}
	n, err := s.BatchInsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.BatchInsert(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, n)

	rev, err := s.RevenueForRange(ctx, "2024-04-30", "2024-04-30")
	require.NoError(t, err)
	assert.Equal(t, "7.5", rev.String())

	page, err := s.ListTransactions(ctx, TransactionQuery{Search: "tx2"})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "2024-04-30", page.Transactions[0].Date)
}

func TestPostgresStore_SyncStatusKeepsWatermark(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := testContext(t)
	require.NoError(t, s.InitSyncStatuses(ctx))

	height := int64(42)
	require.NoError(t, s.UpdateSyncStatus(ctx, models.SyncStatusUpdate{
		SyncType: types.SyncTypeRevenue, Status: types.SyncStateCompleted, LastSyncBlock: &height,
	}))
	require.NoError(t, s.UpdateSyncStatus(ctx, models.SyncStatusUpdate{
		SyncType: types.SyncTypeRevenue, Status: types.SyncStateFailed,
	}))

	st, err := s.GetSyncStatus(ctx, types.SyncTypeRevenue)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, st.Status)
	require.NotNil(t, st.LastSyncBlock)
	assert.Equal(t, height, *st.LastSyncBlock)
}

func TestPostgresStore_SnapshotsAndMetrics(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := testContext(t)

	nodes := int64(9000)
	require.NoError(t, s.UpdateCurrentMetrics(ctx, models.MetricsPatch{NodeTotal: &nodes}))
	cur, err := s.GetCurrentMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodes, cur.NodeTotal)

	created, err := s.CreateSnapshot(ctx, models.SnapshotFromMetrics("2024-04-30", cur, time.Now()))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateSnapshot(ctx, models.SnapshotFromMetrics("2024-04-30", cur, time.Now()))
	require.NoError(t, err)
	assert.False(t, created)

	snap, err := s.GetSnapshot(ctx, "2024-04-30")
	require.NoError(t, err)
	assert.Equal(t, nodes, snap.NodeTotal)
}
