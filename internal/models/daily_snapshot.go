package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/types"
)

// DailySnapshot is the frozen copy of current_metrics taken once per UTC day.
// Rows are never updated after creation.
type DailySnapshot struct {
	SnapshotDate string              `json:"snapshot_date"`
	Timestamp    time.Time           `json:"timestamp"`
	DailyRevenue decimal.Decimal     `json:"daily_revenue"`
	FluxPriceUSD decimal.NullDecimal `json:"flux_price_usd"`
	MetricValues
	SyncStatus types.SyncState `json:"sync_status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SnapshotFromMetrics freezes m as the snapshot for date.
func SnapshotFromMetrics(date string, m *CurrentMetrics, now time.Time) *DailySnapshot {
	return &DailySnapshot{
		SnapshotDate: date,
		Timestamp:    now,
		DailyRevenue: m.CurrentRevenue,
		FluxPriceUSD: m.FluxPriceUSD,
		MetricValues: m.MetricValues,
		SyncStatus:   types.SyncStateCompleted,
		CreatedAt:    now,
	}
}
