package extract

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/ledger"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

const tracked = "t3NryfAQLGeFs9jEoeqsxmBN2QLRaRKFLUX"

func newExtractor() *Extractor {
	return New(clock.NewManual(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestExtract_MatchingOutputs(t *testing.T) {
	tx := &ledger.RawTransaction{
		TxID:        "tx-multi",
		BlockHeight: 1500000,
		BlockTime:   1700000000,
		Vin:         []ledger.Vin{{Addresses: []string{"t1payer"}}},
		Vout: []ledger.Vout{
			{Value: "500000000", Addresses: []string{tracked}, N: 0},
			{Value: "100000000", Addresses: []string{"t1other"}, N: 1},
			{Value: "250000000", Addresses: []string{tracked}, N: 2},
		},
	}

	got := newExtractor().Extract(tx, types.NewSet(tracked), decimal.NullDecimal{})

	require.Len(t, got, 2)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("5.0")))
	assert.True(t, got[1].Amount.Equal(decimal.RequireFromString("2.5")))
	for _, rec := range got {
		assert.Equal(t, "tx-multi", rec.TxID)
		assert.Equal(t, tracked, rec.Address)
		assert.Equal(t, "t1payer", rec.FromAddress)
		assert.Equal(t, int64(1500000), rec.BlockHeight)
		assert.False(t, rec.AmountUSD.Valid)
	}
}

func TestExtract_DateIsUTCDay(t *testing.T) {
	tests := []struct {
		name  string
		local *time.Location
	}{
		{"utc", time.UTC},
		{"ahead of utc", time.FixedZone("UTC+14", 14*3600)},
		{"behind utc", time.FixedZone("UTC-12", -12*3600)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := time.Local
			time.Local = tt.local
			t.Cleanup(func() { time.Local = prev })

			// 2023-11-14 22:13:20 UTC is already the 15th in UTC+14.
			tx := &ledger.RawTransaction{
				TxID:      "tx-date",
				BlockTime: 1700000000,
				Vout:      []ledger.Vout{{Value: "1", Addresses: []string{tracked}}},
			}
			got := newExtractor().Extract(tx, types.NewSet(tracked), decimal.NullDecimal{})
			require.Len(t, got, 1)
			assert.Equal(t, "2023-11-14", got[0].Date)
			assert.Equal(t, int64(1700000000), got[0].Timestamp)

			// The clock reads 2024-05-01 10:00 UTC, which is the 30th in UTC-12.
			mempool := &ledger.RawTransaction{
				TxID: "tx-mempool",
				Vout: []ledger.Vout{{Value: "100", Addresses: []string{tracked}}},
			}
			got = newExtractor().Extract(mempool, types.NewSet(tracked), decimal.NullDecimal{})
			require.Len(t, got, 1)
			assert.Equal(t, "2024-05-01", got[0].Date)
			assert.Equal(t, int64(0), got[0].BlockHeight)
		})
	}
}

func TestExtract_UnknownSender(t *testing.T) {
	tests := []struct {
		name string
		vin  []ledger.Vin
	}{
		{"no inputs", nil},
		{"coinbase input", []ledger.Vin{{}}},
		{"empty address", []ledger.Vin{{Addresses: []string{""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &ledger.RawTransaction{
				TxID:      "tx",
				BlockTime: 1700000000,
				Vin:       tt.vin,
				Vout:      []ledger.Vout{{Value: "100", Addresses: []string{tracked}}},
			}
			got := newExtractor().Extract(tx, types.NewSet(tracked), decimal.NullDecimal{})
			require.Len(t, got, 1)
			assert.Equal(t, models.SenderUnknown, got[0].FromAddress)
		})
	}
}

func TestExtract_PriceHint(t *testing.T) {
	tx := &ledger.RawTransaction{
		TxID:      "tx-usd",
		BlockTime: 1700000000,
		Vout:      []ledger.Vout{{Value: "1000000000", Addresses: []string{tracked}}},
	}
	price := decimal.NewNullDecimal(decimal.RequireFromString("0.55"))

	got := newExtractor().Extract(tx, types.NewSet(tracked), price)
	require.Len(t, got, 1)
	require.True(t, got[0].AmountUSD.Valid)
	assert.Equal(t, "5.5", got[0].AmountUSD.Decimal.String())
}

func TestExtract_NoMatches(t *testing.T) {
	tx := &ledger.RawTransaction{
		TxID: "tx-none",
		Vout: []ledger.Vout{{Value: "1", Addresses: []string{"t1other"}}, {Value: "2"}},
	}
	assert.Empty(t, newExtractor().Extract(tx, types.NewSet(tracked), decimal.NullDecimal{}))
	assert.Empty(t, newExtractor().Extract(nil, types.NewSet(tracked), decimal.NullDecimal{}))
}

func TestExtract_AmountConservation(t *testing.T) {
	properties := gopter.NewProperties(nil)
	e := newExtractor()

	properties.Property("extracted amounts sum to the tracked outputs", prop.ForAll(
		func(values []int64, mask []bool) bool {
			tx := &ledger.RawTransaction{TxID: "p", BlockTime: 1700000000}
			var wantSats int64
			for i, v := range values {
				addr := "t1other"
				if i < len(mask) && mask[i] {
					addr = tracked
					wantSats += v
				}
				tx.Vout = append(tx.Vout, ledger.Vout{Value: decimal.NewFromInt(v).String(), Addresses: []string{addr}, N: i})
			}

			got := e.Extract(tx, types.NewSet(tracked), decimal.NullDecimal{})
			sum := decimal.Zero
			var sats int64
			for _, rec := range got {
				sum = sum.Add(rec.Amount)
				sats += rec.AmountSat
			}
			return sats == wantSats && sum.Equal(models.AmountFromSats(wantSats))
		},
		gen.SliceOf(gen.Int64Range(0, 2_100_000_000_000_000/64)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
