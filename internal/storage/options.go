package storage

import (
	"github.com/revenue-tracker/internal/clock"
)

// Option customizes a store backend.
type Option func(*storeOptions)

type storeOptions struct {
	clock clock.Clock
}

// WithClock sets the clock used to stamp metric updates and sync status rows.
func WithClock(c clock.Clock) Option {
	return func(o *storeOptions) { o.clock = c }
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
