package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
	apperrors "github.com/revenue-tracker/internal/errors"
	"github.com/revenue-tracker/internal/types"
)

func testConfig(addresses ...string) EngineConfig {
	if len(addresses) == 0 {
		addresses = []string{addrA}
	}
	return EngineConfig{
		TrackedAddresses:     addresses,
		PageSize:             1000,
		CycleBudget:          20,
		MaxTxidAttempts:      5,
		TxidRetryCooldown:    5 * time.Minute,
		InitialSyncPause:     2 * time.Second,
		InitialSyncMaxCycles: 100,
		HealthWindow:         10 * time.Minute,
		IncrementalThreshold: 2880,
	}
}

func newTestEngine(t *testing.T, cfg EngineConfig, l *fakeLedger, s *fakeStore, opts ...EngineOption) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	e, err := NewEngine(cfg, l, s, append([]EngineOption{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return e, clk
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(EngineConfig{}, newFakeLedger(), newFakeStore())
	assert.Error(t, err)

	_, err = NewEngine(testConfig(), nil, newFakeStore())
	assert.Error(t, err)

	e, err := NewEngine(EngineConfig{TrackedAddresses: []string{addrA}}, newFakeLedger(), newFakeStore())
	require.NoError(t, err)
	assert.Equal(t, 1000, e.cfg.PageSize)
	assert.Equal(t, 20, e.cfg.CycleBudget)
}

func TestRunCycle_DuplicateAndFailedTxids(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1", "tx2", "tx1"}}
	l.pay("tx1", addrA, 1000000000)
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(), l, s)

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, s.count())
	assert.True(t, s.rows["tx1"].Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 1, l.fetchCount("tx1"))
	assert.Equal(t, 1, l.fetchCount("tx2"))

	failed := e.FailedTxids()
	require.Len(t, failed, 1)
	assert.Equal(t, "tx2", failed[0].TxID)
	assert.Equal(t, 1, failed[0].Attempts)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.DetailFailures)
	assert.Equal(t, 3, res.TxidsSeen)

	st := s.lastStatus()
	assert.Equal(t, types.SyncTypeRevenue, st.SyncType)
	assert.Equal(t, types.SyncStateCompleted, st.Status)
	assert.Nil(t, st.LastSyncBlock, "tx2 is still due a retry")
	assert.Equal(t, int64(1700000), res.ChainHead)
}

func TestRunCycle_CleanWalkRecordsWatermark(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1"}, {"tx2"}}
	l.pay("tx1", addrA, 100)
	l.pay("tx2", addrA, 100)
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(), l, s)

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Incremental)
	assert.Equal(t, 2, res.PagesWalked)

	st := s.lastStatus()
	require.NotNil(t, st.LastSyncBlock)
	assert.Equal(t, int64(1700000), *st.LastSyncBlock)
}

func TestRunCycle_WatermarkHeldBack(t *testing.T) {
	tests := []struct {
		name  string
		setup func(l *fakeLedger, cfg *EngineConfig)
	}{
		{
			name: "budget reached",
			setup: func(l *fakeLedger, cfg *EngineConfig) {
				cfg.CycleBudget = 1
			},
		},
		{
			name: "detail still due a retry",
			setup: func(l *fakeLedger, cfg *EngineConfig) {
				delete(l.details, "tx2")
			},
		},
		{
			name: "listing failed",
			setup: func(l *fakeLedger, cfg *EngineConfig) {
				const addrB = "t1SecondTrackedAddress"
				cfg.TrackedAddresses = append(cfg.TrackedAddresses, addrB)
				l.listErr[addrB] = errUnreachable
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLedger()
			l.pages[addrA] = [][]string{{"tx1", "tx2"}}
			l.pay("tx1", addrA, 100)
			l.pay("tx2", addrA, 100)
			cfg := testConfig()
			tt.setup(l, &cfg)
			s := newFakeStore()
			e, _ := newTestEngine(t, cfg, l, s)

			_, err := e.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, types.SyncStateCompleted, s.lastStatus().Status)
			assert.Nil(t, s.lastStatus().LastSyncBlock)

			res, err := e.RunCycle(context.Background())
			require.NoError(t, err)
			assert.False(t, res.Incremental)
		})
	}
}

func TestRunCycle_IncrementalWalk(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"p1a", "p1b"}, {"p2a"}, {"p3a"}}
	for _, id := range []string{"p1a", "p1b", "p2a", "p3a"} {
		l.pay(id, addrA, 100)
	}
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(), l, s)
	ctx := context.Background()

	res, err := e.RunCycle(ctx)
	require.NoError(t, err)
	require.False(t, res.Incremental)
	require.Equal(t, 3, res.PagesWalked)

	t.Run("newest page only", func(t *testing.T) {
		l.pay("n1", addrA, 100)
		l.pages[addrA][0] = []string{"n1", "p1a", "p1b"}
		l.setHead(1700010)
		before := l.listCount()

		res, err := e.RunCycle(ctx)
		require.NoError(t, err)
		assert.True(t, res.Incremental)
		assert.Equal(t, 1, res.PagesWalked)
		assert.Equal(t, 1, res.Inserted)
		assert.Equal(t, 1, l.listCount()-before)
		assert.Equal(t, int64(1700010), *s.lastStatus().LastSyncBlock)
	})

	t.Run("continues until a page overlaps", func(t *testing.T) {
		l.pay("n2", addrA, 100)
		l.pay("n3", addrA, 100)
		l.pages[addrA] = [][]string{{"n3", "n2"}, {"n1", "p1a"}, {"p1b", "p2a"}, {"p3a"}}
		l.setHead(1700020)

		res, err := e.RunCycle(ctx)
		require.NoError(t, err)
		assert.True(t, res.Incremental)
		assert.Equal(t, 2, res.PagesWalked)
		assert.Equal(t, 2, res.Inserted)
	})

	t.Run("head far past watermark walks every page", func(t *testing.T) {
		l.setHead(1700020 + 2880)

		res, err := e.RunCycle(ctx)
		require.NoError(t, err)
		assert.False(t, res.Incremental)
		assert.Equal(t, 4, res.PagesWalked)
	})

	t.Run("unreadable watermark walks every page", func(t *testing.T) {
		s.statusErr = errUnreachable
		defer func() { s.statusErr = nil }()

		res, err := e.RunCycle(ctx)
		require.NoError(t, err)
		assert.False(t, res.Incremental)
		assert.Equal(t, 4, res.PagesWalked)
	})
}

func TestRunCycle_IncrementalDisabled(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1"}, {"tx2"}}
	cfg := testConfig()
	cfg.IncrementalThreshold = 0
	s := newFakeStore()
	e, _ := newTestEngine(t, cfg, l, s)

	for i := 0; i < 2; i++ {
		res, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Incremental)
		assert.Equal(t, 2, res.PagesWalked)
	}
}

func TestRunCycle_BudgetCarriesOver(t *testing.T) {
	l := newFakeLedger()
	var ids []string
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("tx%03d", i)
		ids = append(ids, id)
		l.pay(id, addrA, 100000000)
	}
	l.pages[addrA] = [][]string{ids}
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(), l, s)

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.BudgetReached)
	assert.Equal(t, 20, res.Inserted)
	assert.Equal(t, 20, s.count())
	assert.Equal(t, 1, s.batches)

	res, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Inserted)
	assert.Equal(t, 40, s.count())
	assert.Contains(t, s.rows, "tx039")
	assert.NotContains(t, s.rows, "tx040")
}

func TestRunCycle_BudgetSpansPagesAndAddresses(t *testing.T) {
	const addrB = "t1SecondTrackedAddress"
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"a1", "a2"}, {"a3"}}
	l.pages[addrB] = [][]string{{"b1", "b2"}}
	for _, id := range []string{"a1", "a2", "a3"} {
		l.pay(id, addrA, 1)
	}
	l.pay("b1", addrB, 1)
	l.pay("b2", addrB, 1)

	cfg := testConfig(addrA, addrB)
	cfg.CycleBudget = 4
	s := newFakeStore()
	e, _ := newTestEngine(t, cfg, l, s)

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 3, res.PagesWalked)
	assert.NotContains(t, s.rows, "b2")
}

func TestRunCycle_FailedTxidBackoff(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"gone"}}
	s := newFakeStore()
	e, clk := newTestEngine(t, testConfig(), l, s)
	ctx := context.Background()

	_, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.fetchCount("gone"))
	assert.False(t, e.ShouldRetryTxid("gone"))

	// Inside the cooldown the id is skipped.
	clk.Advance(time.Minute)
	res, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.fetchCount("gone"))
	assert.Equal(t, 1, res.TxidsSkipped)

	for i := 0; i < 10; i++ {
		clk.Advance(5 * time.Minute)
		_, err := e.RunCycle(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, l.fetchCount("gone"))
	assert.False(t, e.ShouldRetryTxid("gone"))

	failed := e.FailedTxids()
	require.Len(t, failed, 1)
	assert.True(t, failed[0].GaveUp)
}

func TestRunCycle_RecoveredTxidLeavesRegistry(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"late"}}
	s := newFakeStore()
	e, clk := newTestEngine(t, testConfig(), l, s)

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, e.FailedTxids(), 1)

	l.pay("late", addrA, 5)
	clk.Advance(5 * time.Minute)
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, e.FailedTxids())
	assert.Contains(t, s.rows, "late")
}

func TestRunCycle_IrrelevantTxidFetchedOnce(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"outbound"}}
	l.pay("outbound", "t1SomeoneElse", 100)
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(), l, s)

	for i := 0; i < 3; i++ {
		res, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.PaymentsFound)
	}
	assert.Equal(t, 1, l.fetchCount("outbound"))
	assert.Zero(t, s.count())
	assert.Zero(t, s.batches)
}

func TestRunCycle_AllListingsFailed(t *testing.T) {
	l := newFakeLedger()
	l.listErr[addrA] = errUnreachable
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(), l, s)

	_, err := e.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrAllListingsFailed)

	st := s.lastStatus()
	assert.Equal(t, types.SyncStateFailed, st.Status)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "listing failed")
	assert.ErrorIs(t, err, errUnreachable, "the last listing error is kept")

	state := e.State()
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.False(t, state.Running)
	assert.NotEmpty(t, state.LastError)
}

func TestRunCycle_ListingProviderErrorKeepsStatus(t *testing.T) {
	l := newFakeLedger()
	l.listErr[addrA] = apperrors.Provider("ledger index", context.DeadlineExceeded)
	e, _ := newTestEngine(t, testConfig(), l, newFakeStore())

	_, err := e.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrAllListingsFailed)
	assert.Equal(t, http.StatusGatewayTimeout, apperrors.StatusCode(err))
}

func TestRunCycle_OneListingFailureIsAbsorbed(t *testing.T) {
	const addrB = "t1SecondTrackedAddress"
	l := newFakeLedger()
	l.listErr[addrA] = errUnreachable
	l.pages[addrB] = [][]string{{"b1"}}
	l.pay("b1", addrB, 100)
	s := newFakeStore()
	e, _ := newTestEngine(t, testConfig(addrA, addrB), l, s)

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestRunCycle_ChainHeadFailureAfterCommit(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1"}}
	l.pay("tx1", addrA, 100)
	l.headErr = errUnreachable
	s := newFakeStore()
	rev := &fakeRevenue{}
	e, _ := newTestEngine(t, testConfig(), l, s, WithRevenueUpdater(rev))

	_, err := e.RunCycle(context.Background())
	require.ErrorIs(t, err, errUnreachable)

	assert.Equal(t, 1, s.count())
	assert.Equal(t, types.SyncStateFailed, s.lastStatus().Status)
	assert.Zero(t, rev.calls)
}

func TestRunCycle_CommitFailure(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1"}}
	l.pay("tx1", addrA, 100)
	s := newFakeStore()
	s.insertErr = errUnreachable
	e, _ := newTestEngine(t, testConfig(), l, s)

	_, err := e.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, apperrors.KindDatabase, apperrors.From(err).Kind)
	assert.Equal(t, types.SyncStateFailed, s.lastStatus().Status)
	assert.Nil(t, e.State().LastCompleted)
}

func TestRunCycle_RevenueUpdaterErrorIsLogged(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1"}}
	l.pay("tx1", addrA, 100)
	l.price = decimal.NewNullDecimal(decimal.RequireFromString("0.5"))
	s := newFakeStore()
	rev := &fakeRevenue{err: errUnreachable}
	e, _ := newTestEngine(t, testConfig(), l, s, WithRevenueUpdater(rev))

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rev.calls)
	assert.True(t, s.rows["tx1"].AmountUSD.Valid)
}

type blockingLedger struct {
	*fakeLedger
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLedger) SpotPrice(ctx context.Context) decimal.NullDecimal {
	close(b.entered)
	<-b.release
	return b.fakeLedger.SpotPrice(ctx)
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	bl := &blockingLedger{fakeLedger: newFakeLedger(), entered: make(chan struct{}), release: make(chan struct{})}
	e, err := NewEngine(testConfig(), bl, newFakeStore())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.RunCycle(context.Background())
		done <- err
	}()
	<-bl.entered

	assert.True(t, e.State().Running)
	_, err = e.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(bl.release)
	require.NoError(t, <-done)
	assert.False(t, e.State().Running)
}

func TestInitialSync_Converges(t *testing.T) {
	l := newFakeLedger()
	var ids []string
	for i := 0; i < 45; i++ {
		id := fmt.Sprintf("tx%02d", i)
		ids = append(ids, id)
		l.pay(id, addrA, 100)
	}
	l.pages[addrA] = [][]string{ids}
	s := newFakeStore()
	e, clk := newTestEngine(t, testConfig(), l, s)

	res, err := e.InitialSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 4, res.Cycles)
	assert.Equal(t, 45, res.Inserted)
	assert.Equal(t, 45, s.count())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, clk.Sleeps())
}

type hookClock struct {
	*clock.Manual
	once sync.Once
	hook func()
}

func (c *hookClock) After(d time.Duration) <-chan time.Time {
	c.once.Do(c.hook)
	return c.Manual.After(d)
}

func TestInitialSync_WaitsOutRunningCycle(t *testing.T) {
	l := newFakeLedger()
	l.pages[addrA] = [][]string{{"tx1"}}
	l.pay("tx1", addrA, 100)
	s := newFakeStore()
	clk := &hookClock{Manual: clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))}
	e, err := NewEngine(testConfig(), l, s, WithClock(clk))
	require.NoError(t, err)

	// A manually triggered cycle holds the engine until the first pause.
	require.True(t, e.begin(clk.Now(), "manual"))
	clk.hook = func() { e.finish(&CycleResult{}) }

	res, err := e.InitialSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 2, res.Cycles)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestInitialSync_StopsAtCycleLimit(t *testing.T) {
	l := newFakeLedger()
	var ids []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("tx%03d", i)
		ids = append(ids, id)
		l.pay(id, addrA, 100)
	}
	l.pages[addrA] = [][]string{ids}
	cfg := testConfig()
	cfg.InitialSyncMaxCycles = 2
	e, _ := newTestEngine(t, cfg, l, newFakeStore())

	res, err := e.InitialSync(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 2, res.Cycles)
	assert.Equal(t, 40, res.Inserted)
}

func TestInitialSync_PropagatesCycleError(t *testing.T) {
	l := newFakeLedger()
	l.listErr[addrA] = errUnreachable
	e, _ := newTestEngine(t, testConfig(), l, newFakeStore())

	res, err := e.InitialSync(context.Background())
	require.ErrorIs(t, err, ErrAllListingsFailed)
	assert.Zero(t, res.Cycles)
}

func TestStatus_Health(t *testing.T) {
	l := newFakeLedger()
	e, clk := newTestEngine(t, testConfig(), l, newFakeStore())

	st := e.Status()
	assert.False(t, st.Healthy)
	assert.Nil(t, st.TimeSinceLastSync)

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	st = e.Status()
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(1700000), st.State.CurrentBlock)
	assert.Equal(t, 1, st.State.TotalCycles)

	clk.Advance(11 * time.Minute)
	assert.False(t, e.Status().Healthy)
}
