// Package extract turns raw ledger transactions into payment records for
// the tracked addresses. It performs no I/O.
package extract

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/ledger"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

// Extractor converts raw transactions into PaymentRecords.
type Extractor struct {
	clock clock.Clock
}

// New returns an Extractor. clk supplies the timestamp for transactions
// that carry no block time yet; nil uses the system clock.
func New(clk clock.Clock) *Extractor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Extractor{clock: clk}
}

// Extract emits one record per (output, destination) where the destination
// is tracked. A transaction paying a tracked address in several outputs
// yields several records; the store keeps the first per txid.
func (e *Extractor) Extract(tx *ledger.RawTransaction, tracked types.Set[string], priceHint decimal.NullDecimal) []models.PaymentRecord {
	if tx == nil || len(tx.Vout) == 0 {
		return nil
	}

	timestamp := tx.BlockTime
	if timestamp == 0 {
		timestamp = e.clock.Now().Unix()
	}
	date := time.Unix(timestamp, 0).UTC().Format(types.DateLayout)
	from := Sender(tx)

	var records []models.PaymentRecord
	for _, out := range tx.Vout {
		for _, addr := range out.Addresses {
			if !tracked.Has(addr) {
				continue
			}
			sats := out.ValueSats()
			amount := models.AmountFromSats(sats)

			rec := models.PaymentRecord{
				TxID:        tx.TxID,
				Address:     addr,
				FromAddress: from,
				Amount:      amount,
				AmountSat:   sats,
				BlockHeight: tx.BlockHeight,
				Timestamp:   timestamp,
				Date:        date,
			}
			if priceHint.Valid {
				rec.AmountUSD = decimal.NewNullDecimal(amount.Mul(priceHint.Decimal).Round(8))
			}
			records = append(records, rec)
		}
	}
	return records
}

// Sender returns the first address of the first input, or SenderUnknown.
func Sender(tx *ledger.RawTransaction) string {
	if len(tx.Vin) > 0 && len(tx.Vin[0].Addresses) > 0 && tx.Vin[0].Addresses[0] != "" {
		return tx.Vin[0].Addresses[0]
	}
	return models.SenderUnknown
}
