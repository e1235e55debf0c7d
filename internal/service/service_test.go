package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/storage"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestStore(t *testing.T, now time.Time) (*storage.SQLiteStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(now)
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "revenue.db"), storage.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSyncStatuses(testContext(t)))
	return s, clk
}

func payment(txid, date string, sats int64) models.PaymentRecord {
	ts, _ := time.Parse("2006-01-02", date)
	return models.PaymentRecord{
		TxID:        txid,
		Address:     "t3NryfAQLGeFs9jEoeqsxmBN2QLRaRKFLUX",
		FromAddress: "t1payer",
		Amount:      models.AmountFromSats(sats),
		AmountSat:   sats,
		BlockHeight: 1600000,
		Timestamp:   ts.Unix(),
		Date:        date,
	}
}
