package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
	apperrors "github.com/revenue-tracker/internal/errors"
)

func testConfig(base string) ClientConfig {
	return ClientConfig{
		BaseURL:        base + "/api/v2/",
		DaemonURL:      base + "/daemon",
		PriceURL:       base + "/price",
		ListTimeout:    time.Second,
		DetailTimeout:  time.Second,
		AuxTimeout:     time.Second,
		AuxRetries:     0,
		DetailAttempts: 3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  5 * time.Second,
		PriceCacheTTL:  time.Minute,
	}
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *clock.Manual) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	m := clock.NewManual(time.Unix(1700000000, 0))
	c, err := NewClient(testConfig(srv.URL), WithTimer(m), WithClock(m), WithLimiter(nil))
	require.NoError(t, err)
	return c, m
}

func TestListTransactionIDs(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/address/t3addr", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "1000", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = fmt.Fprint(w, `{"txids":["tx1","tx2","tx1"],"txs":3,"totalPages":1,"balance":"12"}`)
	}))

	page, err := c.ListTransactionIDs(context.Background(), "t3addr", 2, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx1", "tx2", "tx1"}, page.TxIDs)
	assert.Equal(t, 3, page.TotalTxs)
	assert.Equal(t, 1, page.TotalPages)
	assert.Equal(t, 2, page.Page)
}

func TestListTransactionIDs_NoRetry(t *testing.T) {
	var calls atomic.Int32
	c, m := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.ListTransactionIDs(context.Background(), "t3addr", 1, 1000)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, m.Sleeps())
}

func TestFetchTransactionDetail(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/tx/abc", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"txid":"abc","blockHeight":1500000,"blockTime":1700000000,
			"vin":[{"addresses":["t1sender"]}],
			"vout":[{"value":"500000000","addresses":["t3addr"],"n":0}]}`)
	}))

	tx, err := c.FetchTransactionDetail(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, int64(1500000), tx.BlockHeight)
	assert.Equal(t, "t1sender", tx.Vin[0].Addresses[0])
	assert.Equal(t, int64(500000000), tx.Vout[0].ValueSats())
}

func TestFetchTransactionDetail_ExhaustsRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	c, m := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	tx, err := c.FetchTransactionDetail(context.Background(), "abc")
	assert.NoError(t, err)
	assert.Nil(t, tx)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, m.Sleeps())
}

func TestFetchTransactionDetail_RecoversOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	c, m := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, `{"txid":"abc","vout":[]}`)
	}))

	tx, err := c.FetchTransactionDetail(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, []time.Duration{time.Second}, m.Sleeps())
}

func TestFetchTransactionDetail_CancelledContext(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx, err := c.FetchTransactionDetail(ctx, "abc")
	assert.Nil(t, tx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlockHeight(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/daemon/getblockcount", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"status":"success","data":1712345}`)
	}))

	h, err := c.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1712345), h)
}

func TestBlockHeight_DaemonError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"status":"error","data":null}`)
	}))

	_, err := c.BlockHeight(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusCode(err))
	assert.Equal(t, apperrors.KindProvider, apperrors.From(err).Kind)
}

func TestListTransactionIDs_Timeout(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListTransactionIDs(ctx, "t3addr", 1, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, apperrors.StatusCode(err))
}

func TestSpotPrice_CachesValue(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, `{"zelcash":{"usd":0.6123}}`)
	}))

	p := c.SpotPrice(context.Background())
	require.True(t, p.Valid)
	assert.Equal(t, "0.6123", p.Decimal.String())

	p = c.SpotPrice(context.Background())
	assert.True(t, p.Valid)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSpotPrice_FailureIsNull(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	p := c.SpotPrice(context.Background())
	assert.False(t, p.Valid)
}

func TestVoutValueSats(t *testing.T) {
	assert.Equal(t, int64(250000000), Vout{Value: "250000000"}.ValueSats())
	assert.Equal(t, int64(0), Vout{Value: "n/a"}.ValueSats())
	assert.Equal(t, int64(0), Vout{Value: ""}.ValueSats())
	assert.Equal(t, int64(0), Vout{Value: "-5"}.ValueSats())
}
