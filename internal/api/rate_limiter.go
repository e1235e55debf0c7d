package api

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	apperrors "github.com/revenue-tracker/internal/errors"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per client IP. Buckets of clients
// idle for limiterIdleTTL are evicted.
type RateLimiter struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	started  atomic.Bool
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rps, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
		),
		limit: rate.Limit(rps),
		burst: burst,
	}
}

// getLimiter returns the bucket for key, creating it on first use.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	item, _ := rl.limiters.GetOrSet(key, rate.NewLimiter(rl.limit, rl.burst))
	return item.Value()
}

// Start runs the eviction loop until Stop.
func (rl *RateLimiter) Start() {
	if rl.started.CompareAndSwap(false, true) {
		rl.limiters.Start()
	}
}

// Stop ends the eviction loop if it was started.
func (rl *RateLimiter) Stop() {
	if rl.started.Load() {
		rl.limiters.Stop()
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(clientKey(r))
			if !limiter.Allow() {
				wait := time.Second
				if l := limiter.Limit(); l > 0 && l != rate.Inf {
					wait = time.Duration(float64(time.Second) / float64(l))
				}
				respondAppError(w, apperrors.RateLimited(float64(limiter.Limit()), limiter.Burst(), wait))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
