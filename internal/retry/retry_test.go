package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
)

func manualConfig(m *clock.Manual) *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Timer = m
	return cfg
}

func TestWithExponentialBackoff_FailsAfterMaxAttempts(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	boom := errors.New("boom")

	result := WithExponentialBackoff(context.Background(), manualConfig(m), func(ctx context.Context, attempt int) error {
		return boom
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.LastError, boom)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, m.Sleeps())
}

func TestWithExponentialBackoff_SucceedsOnRetry(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))

	result := WithExponentialBackoff(context.Background(), manualConfig(m), func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []time.Duration{1 * time.Second}, m.Sleeps())
}

func TestWithExponentialBackoff_NoRetryOnFirstSuccess(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))

	result := WithExponentialBackoff(context.Background(), manualConfig(m), func(ctx context.Context, attempt int) error {
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, m.Sleeps())
}

func TestWithExponentialBackoff_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithExponentialBackoff(ctx, DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		return errors.New("unreachable")
	})

	require.False(t, result.Success)
	assert.LessOrEqual(t, result.Attempts, 1)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestWithRetry_WrapsLastError(t *testing.T) {
	boom := errors.New("boom")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func(ctx context.Context, attempt int) error { return boom })
	require.Error(t, err)
}
