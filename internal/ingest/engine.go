// Package ingest is the Progressive Sync Engine: one bounded-work cycle walks
// the ledger index for every tracked address, fetches details for unseen
// txids, extracts payments and commits them in a single batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/config"
	apperrors "github.com/revenue-tracker/internal/errors"
	"github.com/revenue-tracker/internal/extract"
	"github.com/revenue-tracker/internal/ledger"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/metrics"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

var (
	// ErrAllListingsFailed is returned when the first page of every tracked
	// address could not be listed.
	ErrAllListingsFailed = errors.New("ingest: address listing failed for every tracked address")
	// ErrCycleInProgress is returned by RunCycle while another cycle runs.
	ErrCycleInProgress = errors.New("ingest: a sync cycle is already running")
)

// LedgerClient is the subset of ledger.Client the engine calls.
type LedgerClient interface {
	ListTransactionIDs(ctx context.Context, address string, page, pageSize int) (*ledger.AddressPage, error)
	// FetchTransactionDetail returns (nil, nil) when the detail could not be
	// fetched after retries.
	FetchTransactionDetail(ctx context.Context, txid string) (*ledger.RawTransaction, error)
	BlockHeight(ctx context.Context) (int64, error)
	SpotPrice(ctx context.Context) decimal.NullDecimal
}

// Store is the subset of storage.Store the engine writes to.
type Store interface {
	ExistingTxids(ctx context.Context) (types.Set[string], error)
	BatchInsert(ctx context.Context, records []models.PaymentRecord) (int, error)
	UpdateSyncStatus(ctx context.Context, u models.SyncStatusUpdate) error
	GetSyncStatus(ctx context.Context, syncType types.SyncType) (*models.SyncStatus, error)
}

// RevenueUpdater refreshes current_metrics after a commit.
type RevenueUpdater interface {
	UpdateCurrentRevenue(ctx context.Context, price decimal.NullDecimal) error
}

// Phase is the engine's position within a cycle.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseFetchingPrice Phase = "fetching_price"
	PhaseWalkingPages  Phase = "walking_pages"
	PhaseCommitting    Phase = "committing"
	PhaseFailed        Phase = "failed"
)

// EngineConfig is the immutable engine configuration.
type EngineConfig struct {
	TrackedAddresses     []string
	PageSize             int
	CycleBudget          int
	MaxTxidAttempts      int
	TxidRetryCooldown    time.Duration
	InitialSyncPause     time.Duration
	InitialSyncMaxCycles int
	// HealthWindow is how recent the last completed cycle must be for
	// Status to report healthy.
	HealthWindow time.Duration
	// IncrementalThreshold narrows the walk to the newest pages while the
	// chain head is fewer than this many blocks past the watermark.
	IncrementalThreshold int64
}

// NewEngineConfig builds an EngineConfig from the loaded configuration.
func NewEngineConfig(s config.SyncConfig, l config.LedgerConfig) EngineConfig {
	return EngineConfig{
		TrackedAddresses:     append([]string(nil), s.TrackedAddresses...),
		PageSize:             l.PageSize,
		CycleBudget:          s.CycleBudget,
		MaxTxidAttempts:      s.MaxTxidAttempts,
		TxidRetryCooldown:    s.TxidRetryCooldown,
		InitialSyncPause:     s.InitialSyncPause,
		InitialSyncMaxCycles: s.InitialSyncMaxCycles,
		HealthWindow:         s.Interval,
		IncrementalThreshold: s.IncrementalThreshold,
	}
}

// CycleResult summarizes one RunCycle.
type CycleResult struct {
	CycleID        string        `json:"cycleId"`
	Incremental    bool          `json:"incremental"`
	PagesWalked    int           `json:"pagesWalked"`
	PageFailures   int           `json:"pageFailures"`
	TxidsSeen      int           `json:"txidsSeen"`
	TxidsSkipped   int           `json:"txidsSkipped"`
	DetailsFetched int           `json:"detailsFetched"`
	DetailFailures int           `json:"detailFailures"`
	PaymentsFound  int           `json:"paymentsFound"`
	Inserted       int           `json:"inserted"`
	BudgetReached  bool          `json:"budgetReached"`
	ChainHead      int64         `json:"chainHead"`
	Duration       time.Duration `json:"duration"`
}

// InitialSyncResult summarizes InitialSync.
type InitialSyncResult struct {
	Cycles        int           `json:"cycles"`
	PaymentsFound int           `json:"paymentsFound"`
	Inserted      int           `json:"inserted"`
	Converged     bool          `json:"converged"`
	Duration      time.Duration `json:"duration"`
}

// SyncEngineState is the engine's mutable state. State returns a copy.
type SyncEngineState struct {
	Phase         Phase        `json:"phase"`
	Running       bool         `json:"running"`
	LastStarted   *time.Time   `json:"lastStarted,omitempty"`
	LastCompleted *time.Time   `json:"lastCompleted,omitempty"`
	LastCycleID   string       `json:"lastCycleId,omitempty"`
	CurrentBlock  int64        `json:"currentBlock"`
	LastError     string       `json:"lastError,omitempty"`
	LastResult    *CycleResult `json:"lastResult,omitempty"`
	TotalCycles   int          `json:"totalCycles"`
}

// EngineStatus is State plus derived health.
type EngineStatus struct {
	State             SyncEngineState `json:"state"`
	TimeSinceLastSync *time.Duration  `json:"timeSinceLastSync,omitempty"`
	FailedTxids       int             `json:"failedTxids"`
	Healthy           bool            `json:"isHealthy"`
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock sets the engine clock.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithRevenueUpdater sets the hook run after every successful commit.
func WithRevenueUpdater(u RevenueUpdater) EngineOption {
	return func(e *Engine) { e.revenue = u }
}

// Engine runs progressive sync cycles. One Engine owns one SyncEngineState
// and one failed-txid registry.
type Engine struct {
	cfg       EngineConfig
	tracked   types.Set[string]
	ledger    LedgerClient
	store     Store
	extractor *extract.Extractor
	revenue   RevenueUpdater
	metrics   *metrics.Metrics
	clock     clock.Clock

	failed *FailedRegistry
	// txids whose detail paid no tracked address; not stored, so remembered here
	irrelevant types.Set[string]

	mu    sync.Mutex
	state SyncEngineState
}

// NewEngine creates a new engine
func NewEngine(cfg EngineConfig, client LedgerClient, store Store, opts ...EngineOption) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger client cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if len(cfg.TrackedAddresses) == 0 {
		return nil, fmt.Errorf("at least one tracked address is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 20
	}
	if cfg.MaxTxidAttempts <= 0 {
		cfg.MaxTxidAttempts = 5
	}
	if cfg.InitialSyncMaxCycles <= 0 {
		cfg.InitialSyncMaxCycles = 10000
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = 5 * time.Minute
	}

	e := &Engine{
		cfg:        cfg,
		tracked:    types.NewSet(cfg.TrackedAddresses...),
		ledger:     client,
		store:      store,
		clock:      clock.Real{},
		irrelevant: types.NewSet[string](),
		state:      SyncEngineState{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.extractor = extract.New(e.clock)
	e.failed = NewFailedRegistry(cfg.MaxTxidAttempts, cfg.TxidRetryCooldown, e.clock)
	return e, nil
}

// RunCycle runs one progressive sync cycle. Per-txid and per-page failures
// are absorbed; only a failed store read or commit, a failed chain-head
// lookup, or every address listing failing fails the cycle.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := e.clock.Now()
	res := &CycleResult{CycleID: uuid.NewString()}

	if !e.begin(start, res.CycleID) {
		return nil, ErrCycleInProgress
	}

	log := logging.FromContext(ctx).WithField("cycle_id", res.CycleID)
	ctx = logging.WithLogger(ctx, log)
	log.Info("Starting revenue sync cycle")

	err := e.runCycle(ctx, res)
	res.Duration = e.clock.Now().Sub(start)

	if err != nil {
		e.fail(ctx, res, err)
		e.metrics.ObserveCycle(metrics.OutcomeFailed, res.Duration)
		return res, err
	}

	e.finish(res)
	e.metrics.ObserveCycle(metrics.OutcomeCompleted, res.Duration)
	e.metrics.CycleCompleted(res.Inserted, res.ChainHead, e.clock.Now())
	log.WithFields(map[string]interface{}{
		"payments":        res.PaymentsFound,
		"inserted":        res.Inserted,
		"details_fetched": res.DetailsFetched,
		"detail_failures": res.DetailFailures,
		"budget_reached":  res.BudgetReached,
		"chain_head":      res.ChainHead,
		"duration":        res.Duration.String(),
	}).Info("Revenue sync cycle completed")
	return res, nil
}

func (e *Engine) runCycle(ctx context.Context, res *CycleResult) error {
	log := logging.FromContext(ctx)

	e.setPhase(PhaseFetchingPrice)
	price := e.ledger.SpotPrice(ctx)
	if !price.Valid {
		log.Debug("Spot price unavailable, continuing without USD values")
	}

	known, err := e.store.ExistingTxids(ctx)
	if err != nil {
		return fmt.Errorf("failed to load existing txids: %w", apperrors.Database("load txids", err))
	}

	res.Incremental = e.narrowWalk(ctx)

	e.setPhase(PhaseWalkingPages)
	records, err := e.walk(ctx, known, price, res)
	if err != nil {
		return err
	}

	e.setPhase(PhaseCommitting)
	if len(records) > 0 {
		inserted, err := e.store.BatchInsert(ctx, records)
		if err != nil {
			return fmt.Errorf("failed to commit %d payment records: %w", len(records), apperrors.Database("batch insert", err))
		}
		res.Inserted = inserted
	}

	head, err := e.ledger.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}
	res.ChainHead = head

	// The watermark only advances past a walk that left nothing behind.
	update := models.SyncStatusUpdate{
		SyncType: types.SyncTypeRevenue,
		Status:   types.SyncStateCompleted,
		At:       e.clock.Now(),
	}
	if !res.BudgetReached && res.PageFailures == 0 && e.failed.Pending() == 0 {
		update.LastSyncBlock = &head
	}
	if err := e.store.UpdateSyncStatus(ctx, update); err != nil {
		return fmt.Errorf("failed to record sync status: %w", apperrors.Database("update sync status", err))
	}

	if e.revenue != nil {
		if err := e.revenue.UpdateCurrentRevenue(ctx, price); err != nil {
			log.WithError(err).Warn("Failed to refresh current revenue")
		}
	}
	return nil
}

// narrowWalk reports whether the chain head has advanced less than the
// incremental threshold past the stored watermark. Any failure to tell
// falls back to a full walk.
func (e *Engine) narrowWalk(ctx context.Context) bool {
	if e.cfg.IncrementalThreshold <= 0 || e.failed.Pending() > 0 {
		return false
	}
	log := logging.FromContext(ctx)

	st, err := e.store.GetSyncStatus(ctx, types.SyncTypeRevenue)
	if err != nil {
		log.WithError(err).Warn("Failed to read sync watermark, walking every page")
		return false
	}
	if st == nil || st.LastSyncBlock == nil {
		return false
	}
	head, err := e.ledger.BlockHeight(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to get chain head, walking every page")
		return false
	}

	gap := head - *st.LastSyncBlock
	log.WithFields(map[string]interface{}{
		"watermark":  *st.LastSyncBlock,
		"chain_head": head,
	}).Debug("Compared chain head with watermark")
	return gap >= 0 && gap < e.cfg.IncrementalThreshold
}

// walk visits addresses in order and pages ascending until the budget is
// reached. Processed txids are added to known. An incremental walk leaves
// an address at the first page that overlaps what is already stored.
func (e *Engine) walk(ctx context.Context, known types.Set[string], price decimal.NullDecimal, res *CycleResult) ([]models.PaymentRecord, error) {
	log := logging.FromContext(ctx)
	var records []models.PaymentRecord
	listingFailures := 0
	var listErr error

addresses:
	for _, address := range e.cfg.TrackedAddresses {
		alog := log.WithField("address", address)

		first, err := e.ledger.ListTransactionIDs(ctx, address, 1, e.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			listingFailures++
			listErr = err
			res.PageFailures++
			alog.WithError(err).Warn("Failed to list address transactions, skipping address this cycle")
			continue
		}

		for page := 1; page <= max(first.TotalPages, 1); page++ {
			data := first
			if page > 1 {
				data, err = e.ledger.ListTransactionIDs(ctx, address, page, e.cfg.PageSize)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					res.PageFailures++
					alog.WithField("page", page).WithError(err).Warn("Failed to list page, skipping")
					continue
				}
			}
			res.PagesWalked++

			overlaps := false
			for _, txid := range data.TxIDs {
				if known.Has(txid) || e.irrelevant.Has(txid) {
					overlaps = true
					break
				}
			}

			for _, txid := range data.TxIDs {
				res.TxidsSeen++
				if known.Has(txid) || e.irrelevant.Has(txid) || !e.failed.ShouldRetry(txid) {
					res.TxidsSkipped++
					continue
				}

				tx, err := e.ledger.FetchTransactionDetail(ctx, txid)
				if err != nil && ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if tx == nil || err != nil {
					res.DetailFailures++
					e.metrics.DetailFailed()
					if e.failed.MarkFailed(txid, ReasonDetailUnavailable) {
						e.metrics.TxidGaveUp()
						alog.WithField("txid", txid).Warn("Giving up on transaction after repeated failures")
					}
					continue
				}

				res.DetailsFetched++
				e.failed.Clear(txid)
				found := e.extractor.Extract(tx, e.tracked, price)
				known.Add(txid)
				if len(found) == 0 {
					e.irrelevant.Add(txid)
					continue
				}
				records = append(records, found...)
				res.PaymentsFound += len(found)

				if res.PaymentsFound >= e.cfg.CycleBudget {
					res.BudgetReached = true
					break addresses
				}
			}

			if res.Incremental && overlaps {
				break
			}
		}
	}

	e.metrics.SetFailedTxids(e.failed.Len())

	if listingFailures == len(e.cfg.TrackedAddresses) {
		return nil, fmt.Errorf("%w: %w", ErrAllListingsFailed, listErr)
	}
	return records, nil
}

// InitialSync runs cycles back to back until one finds no new payments.
func (e *Engine) InitialSync(ctx context.Context) (*InitialSyncResult, error) {
	start := e.clock.Now()
	out := &InitialSyncResult{}
	log := logging.FromContext(ctx)

	for out.Cycles < e.cfg.InitialSyncMaxCycles {
		res, err := e.RunCycle(ctx)
		if errors.Is(err, ErrCycleInProgress) {
			log.Debug("Another sync cycle is running, waiting before the next backfill cycle")
			if err := e.pause(ctx); err != nil {
				out.Duration = e.clock.Now().Sub(start)
				return out, err
			}
			continue
		}
		if err != nil {
			out.Duration = e.clock.Now().Sub(start)
			return out, fmt.Errorf("initial sync cycle %d: %w", out.Cycles+1, err)
		}
		out.Cycles++
		out.PaymentsFound += res.PaymentsFound
		out.Inserted += res.Inserted

		if res.PaymentsFound == 0 {
			out.Converged = true
			break
		}
		log.WithFields(map[string]interface{}{
			"cycle":    out.Cycles,
			"inserted": out.Inserted,
		}).Info("Initial sync progress")

		if err := e.pause(ctx); err != nil {
			out.Duration = e.clock.Now().Sub(start)
			return out, err
		}
	}

	out.Duration = e.clock.Now().Sub(start)
	if !out.Converged {
		log.WithField("cycles", out.Cycles).Warn("Initial sync stopped at cycle limit before converging")
	}
	return out, nil
}

func (e *Engine) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.cfg.InitialSyncPause):
		return nil
	}
}

// ShouldRetryTxid reports whether txid would be fetched in the next cycle
// as far as the failed-txid registry is concerned.
func (e *Engine) ShouldRetryTxid(txid string) bool {
	return e.failed.ShouldRetry(txid)
}

// FailedTxids returns the failed-txid registry.
func (e *Engine) FailedTxids() []FailedTxid {
	return e.failed.Entries()
}

// State returns a copy of the engine state.
func (e *Engine) State() SyncEngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}

// Status returns the state with derived health: not running, completed at
// least once, and the last completion within the health window.
func (e *Engine) Status() EngineStatus {
	s := e.State()
	st := EngineStatus{State: s, FailedTxids: e.failed.Len()}
	if s.LastCompleted != nil {
		since := e.clock.Now().Sub(*s.LastCompleted)
		st.TimeSinceLastSync = &since
		st.Healthy = !s.Running && since < e.cfg.HealthWindow
	}
	return st
}

func (e *Engine) begin(now time.Time, cycleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Running {
		return false
	}
	e.state.Running = true
	e.state.LastStarted = &now
	e.state.LastCycleID = cycleID
	return true
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.state.Phase = p
	e.mu.Unlock()
}

func (e *Engine) finish(res *CycleResult) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Running = false
	e.state.Phase = PhaseIdle
	e.state.LastCompleted = &now
	e.state.CurrentBlock = res.ChainHead
	e.state.LastError = ""
	e.state.LastResult = res
	e.state.TotalCycles++
}

func (e *Engine) fail(ctx context.Context, res *CycleResult, cause error) {
	log := logging.FromContext(ctx)
	log.WithError(cause).Error("Revenue sync cycle failed")

	e.mu.Lock()
	e.state.Running = false
	e.state.Phase = PhaseFailed
	e.state.LastError = cause.Error()
	e.state.LastResult = res
	e.state.TotalCycles++
	e.mu.Unlock()

	// Record the failure even when the caller's context is done.
	msg := cause.Error()
	err := e.store.UpdateSyncStatus(context.WithoutCancel(ctx), models.SyncStatusUpdate{
		SyncType:     types.SyncTypeRevenue,
		Status:       types.SyncStateFailed,
		At:           e.clock.Now(),
		ErrorMessage: &msg,
	})
	if err != nil {
		log.WithError(err).Error("Failed to record sync failure")
	}
}
