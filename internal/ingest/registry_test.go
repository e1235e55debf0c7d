package ingest

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenue-tracker/internal/clock"
)

func TestFailedRegistry_Gating(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	r := NewFailedRegistry(5, 5*time.Minute, clk)

	assert.True(t, r.ShouldRetry("tx"))

	assert.False(t, r.MarkFailed("tx", ReasonDetailUnavailable))
	assert.False(t, r.ShouldRetry("tx"))

	clk.Advance(4*time.Minute + 59*time.Second)
	assert.False(t, r.ShouldRetry("tx"))
	clk.Advance(time.Second)
	assert.True(t, r.ShouldRetry("tx"))

	r.Clear("tx")
	assert.True(t, r.ShouldRetry("tx"))
	assert.Zero(t, r.Len())
}

func TestFailedRegistry_GivesUpForever(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	r := NewFailedRegistry(5, 5*time.Minute, clk)

	for i := 1; i <= 5; i++ {
		gaveUp := r.MarkFailed("tx", ReasonDetailUnavailable)
		assert.Equal(t, i == 5, gaveUp, "attempt %d", i)
		clk.Advance(5 * time.Minute)
	}

	clk.Advance(24 * time.Hour)
	assert.False(t, r.ShouldRetry("tx"))
	assert.Equal(t, 1, r.Len())
	assert.Zero(t, r.Pending())

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].Attempts)
	assert.True(t, entries[0].GaveUp)
	assert.Equal(t, ReasonDetailUnavailable, entries[0].Reason)
}

func TestFailedRegistry_EntriesSorted(t *testing.T) {
	r := NewFailedRegistry(3, time.Minute, nil)
	r.MarkFailed("c", ReasonDetailUnavailable)
	r.MarkFailed("a", ReasonDetailUnavailable)
	r.MarkFailed("b", ReasonDetailUnavailable)

	assert.Equal(t, 3, r.Pending())

	var ids []string
	for _, e := range r.Entries() {
		ids = append(ids, e.TxID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

// Eligibility follows attempts < max && elapsed >= cooldown for any
// sequence of failures and clock advances.
func TestFailedRegistry_EligibilityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	const maxAttempts = 5
	const cooldown = 5 * time.Minute

	properties.Property("eligibility matches attempts and cooldown", prop.ForAll(
		func(failures int, gapSeconds []int) bool {
			clk := clock.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
			r := NewFailedRegistry(maxAttempts, cooldown, clk)

			var last time.Time
			for i := 0; i < failures; i++ {
				r.MarkFailed("tx", ReasonDetailUnavailable)
				last = clk.Now()
				if i < len(gapSeconds) {
					clk.Advance(time.Duration(gapSeconds[i]) * time.Second)
				}
			}

			want := failures == 0 ||
				(failures < maxAttempts && clk.Now().Sub(last) >= cooldown)
			return r.ShouldRetry("tx") == want
		},
		gen.IntRange(0, 8),
		gen.SliceOf(gen.IntRange(0, 900)),
	))

	properties.TestingRun(t)
}
