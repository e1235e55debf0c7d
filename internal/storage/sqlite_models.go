package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

type transactionRow struct {
	ID          uint    `gorm:"primarykey"`
	TxID        string  `gorm:"column:txid;uniqueIndex;not null"`
	Address     string  `gorm:"index;not null"`
	FromAddress string  `gorm:"index;not null;default:Unknown"`
	Amount      string  `gorm:"type:text;not null"`
	AmountSat   int64   `gorm:"not null"`
	AmountUSD   *string `gorm:"column:amount_usd;type:text"`
	BlockHeight int64   `gorm:"index;not null"`
	Timestamp   int64   `gorm:"index;not null"`
	Date        string  `gorm:"index;type:text;not null"`
}

func (transactionRow) TableName() string {
	return "revenue_transactions"
}

func newTransactionRow(r models.PaymentRecord) transactionRow {
	from := r.FromAddress
	if from == "" {
		from = models.SenderUnknown
	}
	return transactionRow{
		TxID:        r.TxID,
		Address:     r.Address,
		FromAddress: from,
		Amount:      r.Amount.String(),
		AmountSat:   r.AmountSat,
		AmountUSD:   nullDecimalToString(r.AmountUSD),
		BlockHeight: r.BlockHeight,
		Timestamp:   r.Timestamp,
		Date:        r.Date,
	}
}

func (t transactionRow) record() models.PaymentRecord {
	return models.PaymentRecord{
		TxID:        t.TxID,
		Address:     t.Address,
		FromAddress: t.FromAddress,
		Amount:      models.AmountFromSats(t.AmountSat),
		AmountSat:   t.AmountSat,
		AmountUSD:   nullDecimalFromString(t.AmountUSD),
		BlockHeight: t.BlockHeight,
		Timestamp:   t.Timestamp,
		Date:        t.Date,
	}
}

type syncStatusRow struct {
	ID            uint   `gorm:"primarykey"`
	SyncType      string `gorm:"uniqueIndex;not null"`
	LastSync      int64  `gorm:"not null"`
	LastSyncBlock *int64
	NextSync      *int64
	Status        string `gorm:"not null;default:pending"`
	ErrorMessage  *string
}

func (syncStatusRow) TableName() string {
	return "sync_status"
}

func (s syncStatusRow) status() models.SyncStatus {
	out := models.SyncStatus{
		SyncType:      types.SyncType(s.SyncType),
		LastSyncBlock: s.LastSyncBlock,
		Status:        types.SyncState(s.Status),
		ErrorMessage:  s.ErrorMessage,
	}
	if s.LastSync > 0 {
		t := time.Unix(s.LastSync, 0).UTC()
		out.LastSync = &t
	}
	if s.NextSync != nil {
		t := time.Unix(*s.NextSync, 0).UTC()
		out.NextSync = &t
	}
	return out
}

type currentMetricsRow struct {
	ID             int     `gorm:"primaryKey;autoIncrement:false"`
	LastUpdate     int64   `gorm:"not null"`
	CurrentRevenue string  `gorm:"type:text;not null;default:0"`
	FluxPriceUSD   *string `gorm:"column:flux_price_usd;type:text"`
	models.MetricValues `gorm:"embedded"`
}

func (currentMetricsRow) TableName() string {
	return "current_metrics"
}

func (r currentMetricsRow) metrics() *models.CurrentMetrics {
	m := &models.CurrentMetrics{
		MetricValues:   r.MetricValues,
		CurrentRevenue: decimal.Zero,
		FluxPriceUSD:   nullDecimalFromString(r.FluxPriceUSD),
	}
	if d, err := decimal.NewFromString(r.CurrentRevenue); err == nil {
		m.CurrentRevenue = d
	}
	if r.LastUpdate > 0 {
		m.LastUpdate = time.Unix(r.LastUpdate, 0).UTC()
	}
	return m
}

func newCurrentMetricsRow(m *models.CurrentMetrics) currentMetricsRow {
	row := currentMetricsRow{
		ID:             1,
		CurrentRevenue: m.CurrentRevenue.String(),
		FluxPriceUSD:   nullDecimalToString(m.FluxPriceUSD),
		MetricValues:   m.MetricValues,
	}
	if !m.LastUpdate.IsZero() {
		row.LastUpdate = m.LastUpdate.Unix()
	}
	return row
}

type dailySnapshotRow struct {
	ID                  uint    `gorm:"primarykey"`
	SnapshotDate        string  `gorm:"uniqueIndex;type:text;not null"`
	Timestamp           int64   `gorm:"not null"`
	DailyRevenue        string  `gorm:"type:text;not null;default:0"`
	FluxPriceUSD        *string `gorm:"column:flux_price_usd;type:text"`
	models.MetricValues `gorm:"embedded"`
	SyncStatus          string `gorm:"default:completed"`
	CreatedAt           int64  `gorm:"not null"`
}

func (dailySnapshotRow) TableName() string {
	return "daily_snapshots"
}

func newDailySnapshotRow(s *models.DailySnapshot) dailySnapshotRow {
	status := string(s.SyncStatus)
	if status == "" {
		status = string(types.SyncStateCompleted)
	}
	return dailySnapshotRow{
		SnapshotDate: s.SnapshotDate,
		Timestamp:    s.Timestamp.Unix(),
		DailyRevenue: s.DailyRevenue.String(),
		FluxPriceUSD: nullDecimalToString(s.FluxPriceUSD),
		MetricValues: s.MetricValues,
		SyncStatus:   status,
		CreatedAt:    s.CreatedAt.Unix(),
	}
}

func (r dailySnapshotRow) snapshot() models.DailySnapshot {
	s := models.DailySnapshot{
		SnapshotDate: r.SnapshotDate,
		Timestamp:    time.Unix(r.Timestamp, 0).UTC(),
		DailyRevenue: decimal.Zero,
		FluxPriceUSD: nullDecimalFromString(r.FluxPriceUSD),
		MetricValues: r.MetricValues,
		SyncStatus:   types.SyncState(r.SyncStatus),
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
	}
	if d, err := decimal.NewFromString(r.DailyRevenue); err == nil {
		s.DailyRevenue = d
	}
	return s
}
