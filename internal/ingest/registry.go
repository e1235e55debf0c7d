package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/revenue-tracker/internal/clock"
)

// Failure reasons recorded in the registry.
const (
	ReasonDetailUnavailable = "detail_unavailable"
)

// FailedTxid is one registry entry as reported to operators.
type FailedTxid struct {
	TxID        string    `json:"txid"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`
	Reason      string    `json:"reason"`
	GaveUp      bool      `json:"gaveUp"`
}

type failedEntry struct {
	attempts    int
	lastAttempt time.Time
	reason      string
}

// FailedRegistry tracks txids whose detail fetch failed. An id is retried
// after cooldown until it has failed maxAttempts times; after that it is
// never retried for the life of the process.
type FailedRegistry struct {
	mu          sync.Mutex
	entries     map[string]*failedEntry
	maxAttempts int
	cooldown    time.Duration
	clock       clock.Clock
}

// NewFailedRegistry creates an empty registry.
func NewFailedRegistry(maxAttempts int, cooldown time.Duration, clk clock.Clock) *FailedRegistry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &FailedRegistry{
		entries:     make(map[string]*failedEntry),
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		clock:       clk,
	}
}

// ShouldRetry reports whether txid may be fetched now.
func (r *FailedRegistry) ShouldRetry(txid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[txid]
	if !ok {
		return true
	}
	if e.attempts >= r.maxAttempts {
		return false
	}
	return r.clock.Now().Sub(e.lastAttempt) >= r.cooldown
}

// MarkFailed records one more failed attempt and reports whether txid has
// now hit the attempt ceiling.
func (r *FailedRegistry) MarkFailed(txid, reason string) (gaveUp bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[txid]
	if !ok {
		e = &failedEntry{}
		r.entries[txid] = e
	}
	e.attempts++
	e.lastAttempt = r.clock.Now()
	e.reason = reason
	return e.attempts >= r.maxAttempts
}

// Clear forgets txid after a successful fetch.
func (r *FailedRegistry) Clear(txid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, txid)
}

// Len returns the number of tracked txids, abandoned ones included.
func (r *FailedRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending returns the number of txids that will still be retried.
func (r *FailedRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.attempts < r.maxAttempts {
			n++
		}
	}
	return n
}

// Entries returns the registry sorted by txid.
func (r *FailedRegistry) Entries() []FailedTxid {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]FailedTxid, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, FailedTxid{
			TxID:        id,
			Attempts:    e.attempts,
			LastAttempt: e.lastAttempt,
			Reason:      e.reason,
			GaveUp:      e.attempts >= r.maxAttempts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out
}
