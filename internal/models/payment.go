package models

import (
	"github.com/shopspring/decimal"
)

// SenderUnknown is stored in from_address when the first input carries no address.
const SenderUnknown = "Unknown"

// PaymentRecord is one output paying a tracked address, stored in revenue_transactions.
// TxID is the idempotency key: at most one row exists per txid.
type PaymentRecord struct {
	TxID        string              `json:"txid" db:"txid"`
	Address     string              `json:"address" db:"address"`
	FromAddress string              `json:"from_address" db:"from_address"`
	Amount      decimal.Decimal     `json:"amount" db:"amount"`         // native unit
	AmountSat   int64               `json:"amount_sat" db:"amount_sat"` // smallest unit
	AmountUSD   decimal.NullDecimal `json:"amount_usd,omitempty" db:"amount_usd"`
	BlockHeight int64               `json:"block_height" db:"block_height"`
	Timestamp   int64               `json:"timestamp" db:"timestamp"` // seconds since epoch
	Date        string              `json:"date" db:"date"`           // UTC day, YYYY-MM-DD
}

// DailyRevenue is the per-day aggregate of revenue_transactions.
type DailyRevenue struct {
	Date    string          `json:"date"`
	Revenue decimal.Decimal `json:"revenue"`
	Count   int64           `json:"transactionCount"`
}

// SatsPerCoin converts between the smallest unit and the native unit.
const SatsPerCoin = 100_000_000

// AmountFromSats returns sats / 1e8 as an exact decimal.
func AmountFromSats(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}
