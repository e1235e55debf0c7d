package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/ingest"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/metrics"
)

// ErrAlreadyRunning is returned by TriggerNow while a cycle is in flight.
var ErrAlreadyRunning = errors.New("sync cycle already running")

// Trigger outcomes.
const (
	OutcomeCompleted = metrics.OutcomeCompleted
	OutcomeFailed    = metrics.OutcomeFailed
	OutcomeSkipped   = metrics.OutcomeSkipped
)

const componentSync = "sync"

// CycleRunner runs one sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*ingest.CycleResult, error)
}

// SchedulerConfig holds configuration for a sync scheduler
type SchedulerConfig struct {
	Interval              time.Duration
	FailureAlertThreshold int
	StopTimeout           time.Duration
}

// NewSchedulerConfig builds a SchedulerConfig from the sync settings.
func NewSchedulerConfig(s config.SyncConfig) SchedulerConfig {
	return SchedulerConfig{
		Interval:              s.Interval,
		FailureAlertThreshold: s.FailureAlertThreshold,
	}
}

// TriggerResult is the outcome of a manual trigger.
type TriggerResult struct {
	Outcome string              `json:"outcome"`
	Result  *ingest.CycleResult `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
	// Err is the cycle error behind a failed outcome.
	Err error `json:"-"`
}

// SchedulerStatus represents the current status of the scheduler
type SchedulerStatus struct {
	Running             bool          `json:"running"`
	CycleInFlight       bool          `json:"cycleInFlight"`
	Interval            time.Duration `json:"interval"`
	LastTick            *time.Time    `json:"lastTick,omitempty"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	TotalCycles         int           `json:"totalCycles"`
	Skipped             int           `json:"skipped"`
	Healthy             bool          `json:"isHealthy"`
}

// SchedulerOption customizes a SyncScheduler.
type SchedulerOption func(*SyncScheduler)

// WithClock sets the clock used for status timestamps.
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *SyncScheduler) { s.clock = c }
}

// WithMetrics sets the collectors the scheduler reports to.
func WithMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *SyncScheduler) { s.metrics = m }
}

// SyncScheduler runs the engine on a fixed interval with at most one cycle
// in flight. Ticks that arrive while a cycle runs are skipped.
type SyncScheduler struct {
	cfg     SchedulerConfig
	engine  CycleRunner
	clock   clock.Clock
	metrics *metrics.Metrics

	inFlight atomic.Bool
	cycles   sync.WaitGroup

	mu                  sync.RWMutex
	running             bool
	stopCh              chan struct{}
	doneCh              chan struct{}
	cancel              context.CancelFunc
	lastTick            *time.Time
	lastSuccess         *time.Time
	lastError           string
	consecutiveFailures int
	totalCycles         int
	skipped             int
}

// NewSyncScheduler creates a new scheduler
func NewSyncScheduler(cfg SchedulerConfig, engine CycleRunner, opts ...SchedulerOption) (*SyncScheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 3
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	s := &SyncScheduler{
		cfg:    cfg,
		engine: engine,
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs one cycle immediately and then one per interval until Stop
// is called or ctx is cancelled.
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sync scheduler is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.cancel = cancel
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("interval", s.cfg.Interval.String()).Info("Starting sync scheduler")

	go s.loop(runCtx)
	return nil
}

// Stop signals the loop to exit and waits for it and any in-flight cycle.
// When the wait times out, cycles started by the loop are cancelled and
// Stop returns without waiting for them to unwind.
func (s *SyncScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sync scheduler is not running")
	}
	s.running = false
	stopCh, doneCh, cancel := s.stopCh, s.doneCh, s.cancel
	s.mu.Unlock()

	log := logging.FromContext(ctx)
	log.Info("Stopping sync scheduler")
	close(stopCh)

	finished := make(chan struct{})
	go func() {
		<-doneCh
		s.cycles.Wait()
		close(finished)
	}()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-finished:
		cancel()
		log.Info("Sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("stop timeout after %v", s.cfg.StopTimeout)
	}

	cancel()
	log.WithError(err).Warn("Sync scheduler stop timed out, cancelling in-flight cycle")
	return err
}

func (s *SyncScheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Info("Sync scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts a cycle in the background unless one is already running.
func (s *SyncScheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTick = &now
	s.mu.Unlock()

	if !s.inFlight.CompareAndSwap(false, true) {
		s.recordSkip(ctx)
		return
	}
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer s.inFlight.Store(false)
		s.run(ctx)
	}()
}

// TriggerNow runs a cycle synchronously. It returns ErrAlreadyRunning,
// with a skipped result, when a cycle is already in flight.
func (s *SyncScheduler) TriggerNow(ctx context.Context) (*TriggerResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.recordSkip(ctx)
		return &TriggerResult{Outcome: OutcomeSkipped, Error: ErrAlreadyRunning.Error()}, ErrAlreadyRunning
	}
	s.cycles.Add(1)
	defer s.cycles.Done()
	defer s.inFlight.Store(false)
	return s.run(ctx), nil
}

func (s *SyncScheduler) run(ctx context.Context) *TriggerResult {
	res, err := s.engine.RunCycle(ctx)
	if errors.Is(err, ingest.ErrCycleInProgress) {
		s.recordSkip(ctx)
		return &TriggerResult{Outcome: OutcomeSkipped, Error: err.Error()}
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.totalCycles++
	if err != nil {
		s.consecutiveFailures++
		s.lastError = err.Error()
	} else {
		s.consecutiveFailures = 0
		s.lastError = ""
		s.lastSuccess = &now
	}
	failures := s.consecutiveFailures
	s.mu.Unlock()

	s.metrics.SetConsecutiveFailures(componentSync, failures)

	if err != nil {
		log := logging.FromContext(ctx).WithError(err).WithField("consecutive_failures", failures)
		if failures >= s.cfg.FailureAlertThreshold {
			log.Error("Revenue sync failing repeatedly")
		} else {
			log.Warn("Revenue sync cycle failed")
		}
		return &TriggerResult{Outcome: OutcomeFailed, Result: res, Error: err.Error(), Err: err}
	}
	return &TriggerResult{Outcome: OutcomeCompleted, Result: res}
}

func (s *SyncScheduler) recordSkip(ctx context.Context) {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	s.metrics.ObserveCycle(OutcomeSkipped, 0)
	logging.FromContext(ctx).Debug("Sync cycle already running, skipping")
}

// Status returns current scheduler status
func (s *SyncScheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SchedulerStatus{
		Running:             s.running,
		CycleInFlight:       s.inFlight.Load(),
		Interval:            s.cfg.Interval,
		LastTick:            s.lastTick,
		LastSuccess:         s.lastSuccess,
		LastError:           s.lastError,
		ConsecutiveFailures: s.consecutiveFailures,
		TotalCycles:         s.totalCycles,
		Skipped:             s.skipped,
		Healthy:             s.consecutiveFailures < s.cfg.FailureAlertThreshold,
	}
}

// IsHealthy reports whether fewer than the alert threshold of cycles have
// failed in a row.
func (s *SyncScheduler) IsHealthy() bool {
	return s.Status().Healthy
}
