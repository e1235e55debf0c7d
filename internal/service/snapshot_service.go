package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/metrics"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/storage"
	"github.com/revenue-tracker/internal/types"
)

const componentSnapshot = "snapshot"

// Skip reasons reported in SnapshotResult.Reason.
const (
	ReasonSnapshotExists     = "snapshot already exists for today"
	ReasonGracePeriod        = "within grace period after midnight"
	ReasonMetricsMissing     = "no current metrics"
	ReasonMetricsStale       = "current metrics are stale"
	ReasonMetricsImplausible = "too few non-zero key metrics"
	ReasonCheckInProgress    = "snapshot check already running"
)

// SnapshotStore is the storage the snapshot manager reads and writes.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, date string) (*models.DailySnapshot, error)
	CreateSnapshot(ctx context.Context, s *models.DailySnapshot) (bool, error)
	GetCurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error)
	UpdateSyncStatus(ctx context.Context, u models.SyncStatusUpdate) error
	DeleteOldSnapshots(ctx context.Context, cutoffDate string) (int64, error)
	DeleteOldTransactions(ctx context.Context, cutoffDate string) (int64, error)
}

// SnapshotResult is the outcome of one check.
type SnapshotResult struct {
	Success      bool   `json:"success"`
	Skipped      bool   `json:"skipped"`
	Reason       string `json:"reason,omitempty"`
	SnapshotDate string `json:"snapshotDate"`
	Error        string `json:"error,omitempty"`
}

// RetentionResult reports rows removed by ApplyRetention.
type RetentionResult struct {
	CutoffDate          string `json:"cutoffDate"`
	SnapshotsDeleted    int64  `json:"snapshotsDeleted"`
	TransactionsDeleted int64  `json:"transactionsDeleted"`
}

// SnapshotState is the manager's runtime state.
type SnapshotState struct {
	Running             bool            `json:"running"`
	LastCheck           *time.Time      `json:"lastCheck,omitempty"`
	LastSnapshot        *time.Time      `json:"lastSnapshot,omitempty"`
	LastResult          *SnapshotResult `json:"lastResult,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
}

// SnapshotStatus is returned by Status.
type SnapshotStatus struct {
	Config              config.SnapshotConfig `json:"config"`
	State               SnapshotState         `json:"state"`
	Today               string                `json:"today"`
	TodaySnapshotExists bool                  `json:"todaySnapshotExists"`
	Healthy             bool                  `json:"isHealthy"`
}

// SnapshotOption customizes a SnapshotService.
type SnapshotOption func(*SnapshotService)

// WithSnapshotClock sets the clock used for day boundaries.
func WithSnapshotClock(c clock.Clock) SnapshotOption {
	return func(s *SnapshotService) { s.clock = c }
}

// WithSnapshotMetrics sets the collectors the manager reports to.
func WithSnapshotMetrics(m *metrics.Metrics) SnapshotOption {
	return func(s *SnapshotService) { s.metrics = m }
}

// SnapshotService takes the once-per-UTC-day snapshot of current_metrics.
type SnapshotService struct {
	cfg     config.SnapshotConfig
	store   SnapshotStore
	clock   clock.Clock
	metrics *metrics.Metrics

	checking atomic.Bool
	checks   sync.WaitGroup

	mu                  sync.RWMutex
	running             bool
	stopCh              chan struct{}
	doneCh              chan struct{}
	lastCheck           *time.Time
	lastSnapshot        *time.Time
	lastResult          *SnapshotResult
	consecutiveFailures int
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(cfg config.SnapshotConfig, store SnapshotStore, opts ...SnapshotOption) *SnapshotService {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Minute
	}
	if cfg.MaxMetricAge <= 0 {
		cfg.MaxMetricAge = 24 * time.Hour
	}
	if cfg.MinValidMetrics <= 0 {
		cfg.MinValidMetrics = 2
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 3
	}
	s := &SnapshotService{cfg: cfg, store: store, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a check immediately and then every CheckInterval.
func (s *SnapshotService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("snapshot scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("interval", s.cfg.CheckInterval.String()).Info("Snapshot scheduler starting")

	go s.loop(ctx)
	return nil
}

// Stop gracefully stops the snapshot scheduler
func (s *SnapshotService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("snapshot scheduler is not running")
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		s.checks.Wait()
		logging.FromContext(ctx).Info("Snapshot scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SnapshotService) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.scheduledCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scheduledCheck(ctx)
		}
	}
}

func (s *SnapshotService) scheduledCheck(ctx context.Context) {
	s.checks.Add(1)
	defer s.checks.Done()

	res := s.Check(ctx)
	if res.Skipped {
		logging.FromContext(ctx).WithField("reason", res.Reason).Debug("Snapshot check skipped")
	}
}

// TakeManualSnapshot runs the same checks as the scheduler, immediately.
func (s *SnapshotService) TakeManualSnapshot(ctx context.Context) *SnapshotResult {
	return s.Check(ctx)
}

// Check evaluates, in order: today's snapshot exists, the grace period
// after UTC midnight, and metric validity. It creates the snapshot when
// all pass.
func (s *SnapshotService) Check(ctx context.Context) *SnapshotResult {
	now := s.clock.Now().UTC()
	today := now.Format(types.DateLayout)

	if !s.checking.CompareAndSwap(false, true) {
		return &SnapshotResult{Skipped: true, Reason: ReasonCheckInProgress, SnapshotDate: today}
	}
	defer s.checking.Store(false)

	s.mu.Lock()
	s.lastCheck = &now
	s.mu.Unlock()

	res, err := s.check(ctx, now, today)
	if err != nil {
		res = &SnapshotResult{SnapshotDate: today, Error: err.Error()}
		s.recordFailure(ctx, err)
	} else {
		s.recordOutcome(ctx, res, now)
	}

	s.mu.Lock()
	s.lastResult = res
	s.mu.Unlock()
	return res
}

func (s *SnapshotService) check(ctx context.Context, now time.Time, today string) (*SnapshotResult, error) {
	skip := func(reason string) *SnapshotResult {
		return &SnapshotResult{Skipped: true, Reason: reason, SnapshotDate: today}
	}

	exists, err := s.snapshotExists(ctx, today)
	if err != nil {
		return nil, err
	}
	if exists {
		return skip(ReasonSnapshotExists), nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if now.Sub(midnight) < s.cfg.GracePeriod {
		return skip(ReasonGracePeriod), nil
	}

	cur, err := s.store.GetCurrentMetrics(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return skip(ReasonMetricsMissing), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current metrics: %w", err)
	}
	if reason := s.validate(cur, now); reason != "" {
		return skip(reason), nil
	}

	created, err := s.store.CreateSnapshot(ctx, models.SnapshotFromMetrics(today, cur, now))
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot for %s: %w", today, err)
	}
	if !created {
		return skip(ReasonSnapshotExists), nil
	}

	err = s.store.UpdateSyncStatus(ctx, models.SyncStatusUpdate{
		SyncType: types.SyncTypeDailySnapshot,
		Status:   types.SyncStateCompleted,
		At:       now,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record snapshot sync status")
	}
	return &SnapshotResult{Success: true, SnapshotDate: today}, nil
}

// validate returns a skip reason, or "" when the metrics may be frozen.
func (s *SnapshotService) validate(cur *models.CurrentMetrics, now time.Time) string {
	if cur.LastUpdate.IsZero() || now.Sub(cur.LastUpdate) > s.cfg.MaxMetricAge {
		return ReasonMetricsStale
	}
	if cur.KeyMetricsNonZero() < s.cfg.MinValidMetrics {
		return ReasonMetricsImplausible
	}
	return ""
}

func (s *SnapshotService) snapshotExists(ctx context.Context, date string) (bool, error) {
	_, err := s.store.GetSnapshot(ctx, date)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check snapshot for %s: %w", date, err)
	}
}

func (s *SnapshotService) recordOutcome(ctx context.Context, res *SnapshotResult, now time.Time) {
	s.mu.Lock()
	s.consecutiveFailures = 0
	if res.Success {
		s.lastSnapshot = &now
	}
	s.mu.Unlock()

	s.metrics.SetConsecutiveFailures(componentSnapshot, 0)
	if res.Success {
		s.metrics.SnapshotCheck(metrics.OutcomeCompleted)
		logging.FromContext(ctx).WithField("date", res.SnapshotDate).Info("Daily snapshot created")
	} else {
		s.metrics.SnapshotCheck(metrics.OutcomeSkipped)
	}
}

func (s *SnapshotService) recordFailure(ctx context.Context, cause error) {
	s.mu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	s.mu.Unlock()

	s.metrics.SnapshotCheck(metrics.OutcomeFailed)
	s.metrics.SetConsecutiveFailures(componentSnapshot, failures)

	log := logging.FromContext(ctx).WithError(cause).WithField("consecutive_failures", failures)
	if failures >= s.cfg.FailureAlertThreshold {
		log.Error("Daily snapshot failing repeatedly")
	} else {
		log.Warn("Daily snapshot check failed")
	}

	msg := cause.Error()
	err := s.store.UpdateSyncStatus(ctx, models.SyncStatusUpdate{
		SyncType:     types.SyncTypeDailySnapshot,
		Status:       types.SyncStateFailed,
		At:           s.clock.Now(),
		ErrorMessage: &msg,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to record snapshot failure")
	}
}

// ApplyRetention deletes snapshots and payment records dated before
// today minus RetentionDays.
func (s *SnapshotService) ApplyRetention(ctx context.Context) (*RetentionResult, error) {
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).Format(types.DateLayout)
	res := &RetentionResult{CutoffDate: cutoff}

	var err error
	if res.SnapshotsDeleted, err = s.store.DeleteOldSnapshots(ctx, cutoff); err != nil {
		return nil, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	if res.TransactionsDeleted, err = s.store.DeleteOldTransactions(ctx, cutoff); err != nil {
		return nil, fmt.Errorf("failed to delete old transactions: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"cutoff":       cutoff,
		"snapshots":    res.SnapshotsDeleted,
		"transactions": res.TransactionsDeleted,
	}).Info("Retention applied")
	return res, nil
}

// Status returns config, state and whether today's snapshot exists.
func (s *SnapshotService) Status(ctx context.Context) (*SnapshotStatus, error) {
	today := s.clock.Now().UTC().Format(types.DateLayout)
	exists, err := s.snapshotExists(ctx, today)
	if err != nil {
		return nil, err
	}
	state := s.State()
	return &SnapshotStatus{
		Config:              s.cfg,
		State:               state,
		Today:               today,
		TodaySnapshotExists: exists,
		Healthy:             state.ConsecutiveFailures < s.cfg.FailureAlertThreshold,
	}, nil
}

// State returns a copy of the runtime state.
func (s *SnapshotService) State() SnapshotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SnapshotState{
		Running:             s.running,
		LastCheck:           s.lastCheck,
		LastSnapshot:        s.lastSnapshot,
		ConsecutiveFailures: s.consecutiveFailures,
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

// IsHealthy reports whether fewer than the alert threshold of checks have
// failed in a row.
func (s *SnapshotService) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures < s.cfg.FailureAlertThreshold
}
