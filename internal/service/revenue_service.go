package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/clock"
	apperrors "github.com/revenue-tracker/internal/errors"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/storage"
	"github.com/revenue-tracker/internal/types"
)

// RevenueStore is the read side of the store plus the current_metrics write.
type RevenueStore interface {
	RevenueForRange(ctx context.Context, startDate, endDate string) (decimal.Decimal, error)
	CountForRange(ctx context.Context, startDate, endDate string) (int64, error)
	DailyRevenue(ctx context.Context, startDate, endDate string) ([]models.DailyRevenue, error)
	TxidCount(ctx context.Context) (int64, error)
	LastSyncedBlock(ctx context.Context) (*int64, error)
	TransactionsByDate(ctx context.Context, date string) ([]models.PaymentRecord, error)
	ListTransactions(ctx context.Context, q storage.TransactionQuery) (*storage.TransactionPage, error)
	GetCurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error)
	UpdateCurrentMetrics(ctx context.Context, patch models.MetricsPatch) error
	ListSnapshots(ctx context.Context, startDate, endDate string) ([]models.DailySnapshot, error)
	LatestSnapshots(ctx context.Context, n int) ([]models.DailySnapshot, error)
}

// Breakdown windows in days; each window ends today and starts N days earlier.
var breakdownWindows = []struct {
	name string
	days int
}{
	{"day", 1},
	{"week", 7},
	{"month", 30},
	{"quarter", 90},
	{"year", 365},
}

const (
	maxHistoryDays   = 3650
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// RevenueBreakdown is revenue per trailing window, in native units.
type RevenueBreakdown struct {
	Day     decimal.Decimal `json:"day"`
	Week    decimal.Decimal `json:"week"`
	Month   decimal.Decimal `json:"month"`
	Quarter decimal.Decimal `json:"quarter"`
	Year    decimal.Decimal `json:"year"`
}

// TransactionSummary is the dashboard header.
type TransactionSummary struct {
	TotalTransactions int64           `json:"totalTransactions"`
	LastSyncedBlock   *int64          `json:"lastSyncedBlock"`
	Today             string          `json:"today"`
	TodayRevenue      decimal.Decimal `json:"todayRevenue"`
	TodayCount        int64           `json:"todayCount"`
}

// RevenueService answers revenue queries and keeps current_revenue fresh.
type RevenueService struct {
	store RevenueStore
	clock clock.Clock
}

// NewRevenueService creates a new revenue service
func NewRevenueService(store RevenueStore, clk clock.Clock) *RevenueService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RevenueService{store: store, clock: clk}
}

func (s *RevenueService) today() time.Time {
	now := s.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Today returns the current UTC date.
func (s *RevenueService) Today() string {
	return s.today().Format(types.DateLayout)
}

// RevenueBreakdown returns revenue for the trailing day, week, month,
// quarter and year.
func (s *RevenueService) RevenueBreakdown(ctx context.Context) (*RevenueBreakdown, error) {
	today := s.today()
	end := today.Format(types.DateLayout)

	values := make([]decimal.Decimal, len(breakdownWindows))
	for i, w := range breakdownWindows {
		start := today.AddDate(0, 0, -w.days).Format(types.DateLayout)
		rev, err := s.store.RevenueForRange(ctx, start, end)
		if err != nil {
			return nil, apperrors.Database(w.name+" revenue", err)
		}
		values[i] = rev
	}
	return &RevenueBreakdown{
		Day:     values[0],
		Week:    values[1],
		Month:   values[2],
		Quarter: values[3],
		Year:    values[4],
	}, nil
}

// DailyRevenue returns per-day totals for the last days days, today included.
func (s *RevenueService) DailyRevenue(ctx context.Context, days int) ([]models.DailyRevenue, error) {
	if days < 1 {
		days = 30
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}
	today := s.today()
	start := today.AddDate(0, 0, -(days - 1)).Format(types.DateLayout)
	return s.DailyRevenueInRange(ctx, start, today.Format(types.DateLayout))
}

// DailyRevenueInRange returns per-day totals for [start, end].
func (s *RevenueService) DailyRevenueInRange(ctx context.Context, start, end string) ([]models.DailyRevenue, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	days, err := s.store.DailyRevenue(ctx, start, end)
	if err != nil {
		return nil, apperrors.Database("daily revenue", err)
	}
	return days, nil
}

// TransactionSummary returns totals plus today's revenue and count.
func (s *RevenueService) TransactionSummary(ctx context.Context) (*TransactionSummary, error) {
	today := s.Today()

	total, err := s.store.TxidCount(ctx)
	if err != nil {
		return nil, apperrors.Database("count transactions", err)
	}
	last, err := s.store.LastSyncedBlock(ctx)
	if err != nil {
		return nil, apperrors.Database("last synced block", err)
	}
	rev, err := s.store.RevenueForRange(ctx, today, today)
	if err != nil {
		return nil, apperrors.Database("today's revenue", err)
	}
	count, err := s.store.CountForRange(ctx, today, today)
	if err != nil {
		return nil, apperrors.Database("count today's transactions", err)
	}

	return &TransactionSummary{
		TotalTransactions: total,
		LastSyncedBlock:   last,
		Today:             today,
		TodayRevenue:      rev,
		TodayCount:        count,
	}, nil
}

// ListTransactions returns one page of payment records. limit is clamped
// to [1, 500].
func (s *RevenueService) ListTransactions(ctx context.Context, page, limit int, search string) (*storage.TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	res, err := s.store.ListTransactions(ctx, storage.TransactionQuery{Page: page, Limit: limit, Search: search})
	if err != nil {
		return nil, apperrors.Database("list transactions", err)
	}
	return res, nil
}

// TransactionsByDate returns the payments of one UTC day.
func (s *RevenueService) TransactionsByDate(ctx context.Context, date string) ([]models.PaymentRecord, error) {
	if err := validateDate(date); err != nil {
		return nil, err
	}
	txs, err := s.store.TransactionsByDate(ctx, date)
	if err != nil {
		return nil, apperrors.Database("transactions by date", err)
	}
	return txs, nil
}

// CurrentMetrics returns the live current_metrics row.
func (s *RevenueService) CurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error) {
	m, err := s.store.GetCurrentMetrics(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("current metrics", "1")
	}
	if err != nil {
		return nil, apperrors.Database("get current metrics", err)
	}
	return m, nil
}

var patchValidator = newPatchValidator()

func newPatchValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// UpdateNetworkMetrics applies externally collected network counters (node,
// app, capacity figures) to current_metrics and returns the merged row.
// Revenue and price in patch are ignored; the sync engine owns them.
func (s *RevenueService) UpdateNetworkMetrics(ctx context.Context, patch models.MetricsPatch) (*models.CurrentMetrics, error) {
	patch.CurrentRevenue, patch.FluxPriceUSD = nil, nil
	if patch == (models.MetricsPatch{}) {
		return nil, apperrors.InvalidParameter("metrics", "no metric fields set")
	}
	if err := patchValidator.Struct(patch); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, apperrors.InvalidParameter(fe.Field(), fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param()))
		}
		return nil, apperrors.InvalidParameter("metrics", err.Error())
	}

	if err := s.store.UpdateCurrentMetrics(ctx, patch); err != nil {
		return nil, apperrors.Database("update current metrics", err)
	}
	m, err := s.store.GetCurrentMetrics(ctx)
	if err != nil {
		return nil, apperrors.Database("get current metrics", err)
	}

	logging.FromContext(ctx).WithField("key_metrics", m.KeyMetricsNonZero()).Info("Network metrics updated")
	return m, nil
}

// Snapshots returns snapshots in [start, end], or the latest limit when
// start and end are empty.
func (s *RevenueService) Snapshots(ctx context.Context, start, end string, limit int) ([]models.DailySnapshot, error) {
	if start == "" && end == "" {
		if limit < 1 {
			limit = 30
		}
		if limit > maxHistoryDays {
			limit = maxHistoryDays
		}
		snaps, err := s.store.LatestSnapshots(ctx, limit)
		if err != nil {
			return nil, apperrors.Database("latest snapshots", err)
		}
		return snaps, nil
	}
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	snaps, err := s.store.ListSnapshots(ctx, start, end)
	if err != nil {
		return nil, apperrors.Database("list snapshots", err)
	}
	return snaps, nil
}

// UpdateCurrentRevenue stores today's revenue, and the spot price when
// valid, into current_metrics.
func (s *RevenueService) UpdateCurrentRevenue(ctx context.Context, price decimal.NullDecimal) error {
	today := s.Today()
	rev, err := s.store.RevenueForRange(ctx, today, today)
	if err != nil {
		return apperrors.Database("today's revenue", err)
	}

	patch := models.MetricsPatch{CurrentRevenue: &rev}
	if price.Valid {
		p := price.Decimal
		patch.FluxPriceUSD = &p
	}
	if err := s.store.UpdateCurrentMetrics(ctx, patch); err != nil {
		return apperrors.Database("update current revenue", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"date":    today,
		"revenue": rev.String(),
	}).Debug("Current revenue updated")
	return nil
}

func validateDate(date string) error {
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		return apperrors.InvalidParameter("date", fmt.Sprintf("%q is not YYYY-MM-DD", date))
	}
	return nil
}

func validateRange(start, end string) error {
	if err := validateDate(start); err != nil {
		return err
	}
	if err := validateDate(end); err != nil {
		return err
	}
	if start > end {
		return apperrors.InvalidParameter("start", fmt.Sprintf("%s is after end date %s", start, end))
	}
	return nil
}
