package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/models"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, *clock.Manual) {
	t.Helper()
	m := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "revenue.db"), WithClock(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func record(txid, date string, sats, height int64) models.PaymentRecord {
	ts, _ := time.Parse("2006-01-02", date)
	return models.PaymentRecord{
		TxID:        txid,
		Address:     "t3tracked",
		FromAddress: "t1sender",
		Amount:      models.AmountFromSats(sats),
		AmountSat:   sats,
		BlockHeight: height,
		Timestamp:   ts.Unix() + 3600,
		Date:        date,
	}
}
