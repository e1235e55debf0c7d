// Package ledger talks to the remote ledger index (address pages and
// transaction detail), the daemon block-height endpoint and the spot-price
// provider.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jellydator/ttlcache/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/revenue-tracker/internal/circuitbreaker"
	"github.com/revenue-tracker/internal/clock"
	"github.com/revenue-tracker/internal/config"
	apperrors "github.com/revenue-tracker/internal/errors"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/retry"
)

var (
	// ErrNotFound is returned when the index does not know the requested resource.
	ErrNotFound = errors.New("ledger: not found")
	// ErrUnexpectedStatus is returned for any other non-2xx response.
	ErrUnexpectedStatus = errors.New("ledger: unexpected status")
)

// ClientConfig holds endpoint and timing settings.
type ClientConfig struct {
	BaseURL        string // ledger index root, e.g. https://host/api/v2/
	DaemonURL      string
	PriceURL       string
	ListTimeout    time.Duration
	DetailTimeout  time.Duration
	AuxTimeout     time.Duration
	AuxRetries     int
	DetailAttempts uint
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	CallsPerSecond float64 // 0 disables pacing
	PriceCacheTTL  time.Duration
}

// NewClientConfig maps the loaded ledger settings onto a ClientConfig.
func NewClientConfig(c config.LedgerConfig) ClientConfig {
	return ClientConfig{
		BaseURL:        c.BlockbookURL,
		DaemonURL:      c.DaemonURL,
		PriceURL:       c.PriceURL,
		ListTimeout:    c.ListTimeout,
		DetailTimeout:  c.DetailTimeout,
		AuxTimeout:     c.AuxTimeout,
		AuxRetries:     2,
		DetailAttempts: c.DetailAttempts,
		RetryBaseDelay: c.RetryBaseDelay,
		RetryMaxDelay:  c.RetryMaxDelay,
		CallsPerSecond: c.CallsPerSecond,
		PriceCacheTTL:  c.PriceCacheTTL,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for index and auxiliary calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimer sets the wait source used between detail-fetch attempts.
func WithTimer(t retry.Timer) Option {
	return func(c *Client) { c.timer = t }
}

// WithClock sets the clock used by the price circuit breaker.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLimiter replaces the pacing limiter. nil disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// Client is the Ledger Index Client. It holds no ledger data between calls;
// the only cached value is the spot price.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	aux     *retryablehttp.Client
	limiter *rate.Limiter
	timer   retry.Timer
	clock   clock.Clock

	priceCache   *ttlcache.Cache[string, decimal.Decimal]
	priceBreaker *circuitbreaker.CircuitBreaker
}

// NewClient creates a ledger client.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base URL is required")
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.DetailAttempts == 0 {
		cfg.DetailAttempts = 1
	}

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		clock: clock.Real{},
	}
	if cfg.CallsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}

	aux := retryablehttp.NewClient()
	aux.HTTPClient = c.http
	aux.Logger = nil
	aux.RetryMax = cfg.AuxRetries
	aux.RetryWaitMin = cfg.RetryBaseDelay
	aux.RetryWaitMax = cfg.RetryMaxDelay
	c.aux = aux

	ttl := cfg.PriceCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.priceCache = ttlcache.New[string, decimal.Decimal](
		ttlcache.WithTTL[string, decimal.Decimal](ttl),
		ttlcache.WithDisableTouchOnHit[string, decimal.Decimal](),
	)

	breakerCfg := circuitbreaker.DefaultConfig("spot-price")
	breakerCfg.Clock = c.clock
	c.priceBreaker = circuitbreaker.NewCircuitBreaker(breakerCfg)

	return c, nil
}

// ListTransactionIDs fetches one page of the address index. It is not
// retried: a failing page is skipped for the current cycle.
func (c *Client) ListTransactionIDs(ctx context.Context, address string, page, pageSize int) (*AddressPage, error) {
	endpoint := fmt.Sprintf("%saddress/%s?page=%d&pageSize=%d", c.cfg.BaseURL, url.PathEscape(address), page, pageSize)

	var out AddressPage
	if err := c.getJSON(ctx, endpoint, c.cfg.ListTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s page %d: %w", address, page, apperrors.Provider("ledger index", err))
	}
	if out.Page == 0 {
		out.Page = page
	}
	if out.Balance == "" {
		out.Balance = "0"
	}
	return &out, nil
}

// FetchTransactionDetail fetches full transaction detail with bounded
// backoff. After the last attempt fails it returns (nil, nil): an
// unreachable transaction is an expected outcome. Only a cancelled ctx is
// returned as an error.
func (c *Client) FetchTransactionDetail(ctx context.Context, txid string) (*RawTransaction, error) {
	endpoint := c.cfg.BaseURL + "tx/" + url.PathEscape(txid)
	logger := logging.FromContext(ctx).WithField("txid", txid)

	var tx *RawTransaction
	result := retry.WithExponentialBackoff(logging.WithLogger(ctx, logger), &retry.RetryConfig{
		MaxAttempts:  c.cfg.DetailAttempts,
		InitialDelay: c.cfg.RetryBaseDelay,
		MaxDelay:     c.cfg.RetryMaxDelay,
		Timer:        c.timer,
		Operation:    "fetch_transaction_detail",
	}, func(ctx context.Context, attempt int) error {
		var out RawTransaction
		if err := c.getJSON(ctx, endpoint, c.cfg.DetailTimeout, &out); err != nil {
			return err
		}
		if out.TxID == "" {
			out.TxID = txid
		}
		tx = &out
		return nil
	})

	if result.Success {
		return tx, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.WithFields(map[string]interface{}{
		"attempts": result.Attempts,
	}).WithError(result.LastError).Warn("Giving up on transaction detail for this cycle")
	return nil, nil
}

// BlockHeight returns the current chain head from the daemon.
func (c *Client) BlockHeight(ctx context.Context) (int64, error) {
	var out blockCountResponse
	if err := c.getAuxJSON(ctx, strings.TrimSuffix(c.cfg.DaemonURL, "/")+"/getblockcount", &out); err != nil {
		return 0, fmt.Errorf("failed to fetch block height: %w", apperrors.Provider("daemon", err))
	}
	if out.Status != "success" {
		return 0, fmt.Errorf("failed to fetch block height: %w", apperrors.Provider("daemon", fmt.Errorf("status %q", out.Status)))
	}
	return out.Data, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, timeout time.Duration, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	return decodeResponse(res, out)
}

func (c *Client) getAuxJSON(ctx context.Context, endpoint string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if c.cfg.AuxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AuxTimeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.aux.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	return decodeResponse(res, out)
}

func decodeResponse(res *http.Response, out any) error {
	switch {
	case res.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, res.Body)
		return ErrNotFound
	case res.StatusCode < 200 || res.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
