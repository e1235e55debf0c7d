// Package retry runs operations with bounded exponential backoff on top of
// avast/retry-go. The wait source is injectable so backoff timing can be
// asserted in tests without sleeping.
package retry

import (
	"context"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/revenue-tracker/internal/logging"
)

// Timer is the wait source used between attempts.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  uint          // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
	Timer        Timer         // nil uses the real clock
	Operation    string        // name attached to log lines
}

// DefaultRetryConfig returns the detail-fetch policy: 3 attempts, 1s doubling, capped at 5s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried. attempt starts at 1.
type RetryFunc func(ctx context.Context, attempt int) error

// CalculateDelay returns the wait before attempt+1: InitialDelay*2^(attempt-1), capped at MaxDelay.
func CalculateDelay(cfg *RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// WithExponentialBackoff executes fn until it succeeds, attempts run out, or ctx ends.
func WithExponentialBackoff(ctx context.Context, cfg *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	if cfg.Operation != "" {
		logger = logger.WithField("operation", cfg.Operation)
	}
	startTime := time.Now()
	result := &RetryResult{}

	opts := []retrygo.Option{
		retrygo.Attempts(cfg.MaxAttempts),
		retrygo.Delay(cfg.InitialDelay),
		retrygo.MaxDelay(cfg.MaxDelay),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return CalculateDelay(cfg, int(n)+1) // #nosec G115 - n is bounded by MaxAttempts
		}),
		retrygo.LastErrorOnly(true),
		retrygo.Context(ctx),
		retrygo.OnRetry(func(n uint, err error) {
			logger.WithFields(map[string]interface{}{
				"attempt":     n + 1,
				"maxAttempts": cfg.MaxAttempts,
				"delay":       CalculateDelay(cfg, int(n)+1).String(), // #nosec G115
			}).WithError(err).Warn("Operation failed, retrying with exponential backoff")
		}),
	}
	if cfg.Timer != nil {
		opts = append(opts, retrygo.WithTimer(cfg.Timer))
	}

	err := retrygo.Do(func() error {
		result.Attempts++
		return fn(ctx, result.Attempts)
	}, opts...)

	result.TotalDuration = time.Since(startTime)
	if err != nil {
		result.LastError = err
		logger.WithFields(map[string]interface{}{
			"attempts":      result.Attempts,
			"totalDuration": result.TotalDuration.String(),
		}).WithError(err).Warn("Operation failed after max retry attempts")
		return result
	}

	result.Success = true
	if result.Attempts > 1 {
		logger.WithField("attempts", result.Attempts).Info("Operation succeeded after retry")
	}
	return result
}

// WithRetry runs fn under the default policy and returns an error when every attempt fails.
func WithRetry(ctx context.Context, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, DefaultRetryConfig(), fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
