package storage

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/models"
)

// CachedStore serves range aggregates from Redis and delegates everything
// else to the wrapped Store. Writes that change payment rows invalidate
// the cache. A failing cache never fails a read.
//
// When an invalidation cannot reach Redis the cache is marked stale. Reads
// retry the invalidation first and go straight to the store until it
// succeeds, so entries written before the change are never served.
type CachedStore struct {
	Store
	cache *CacheService
	stale atomic.Bool
}

// NewCachedStore wraps store with cache.
func NewCachedStore(store Store, cache *CacheService) *CachedStore {
	return &CachedStore{Store: store, cache: cache}
}

// BatchInsert implements Store.
func (c *CachedStore) BatchInsert(ctx context.Context, records []models.PaymentRecord) (int, error) {
	n, err := c.Store.BatchInsert(ctx, records)
	if err == nil && n > 0 {
		c.invalidate(ctx)
	}
	return n, err
}

// DeleteOldTransactions implements Store.
func (c *CachedStore) DeleteOldTransactions(ctx context.Context, cutoffDate string) (int64, error) {
	n, err := c.Store.DeleteOldTransactions(ctx, cutoffDate)
	if err == nil && n > 0 {
		c.invalidate(ctx)
	}
	return n, err
}

// RevenueForRange implements Store.
func (c *CachedStore) RevenueForRange(ctx context.Context, startDate, endDate string) (decimal.Decimal, error) {
	return cached(ctx, c, CacheKeyRevenue, []string{startDate, endDate}, func() (decimal.Decimal, error) {
		return c.Store.RevenueForRange(ctx, startDate, endDate)
	})
}

// CountForRange implements Store.
func (c *CachedStore) CountForRange(ctx context.Context, startDate, endDate string) (int64, error) {
	return cached(ctx, c, CacheKeyCount, []string{startDate, endDate}, func() (int64, error) {
		return c.Store.CountForRange(ctx, startDate, endDate)
	})
}

// RevenueForBlockRange implements Store.
func (c *CachedStore) RevenueForBlockRange(ctx context.Context, startBlock, endBlock int64) (decimal.Decimal, error) {
	params := []string{strconv.FormatInt(startBlock, 10), strconv.FormatInt(endBlock, 10)}
	return cached(ctx, c, CacheKeyBlockRevenue, params, func() (decimal.Decimal, error) {
		return c.Store.RevenueForBlockRange(ctx, startBlock, endBlock)
	})
}

// DailyRevenue implements Store.
func (c *CachedStore) DailyRevenue(ctx context.Context, startDate, endDate string) ([]models.DailyRevenue, error) {
	return cached(ctx, c, CacheKeyDaily, []string{startDate, endDate}, func() ([]models.DailyRevenue, error) {
		return c.Store.DailyRevenue(ctx, startDate, endDate)
	})
}

// Close closes the wrapped store and the Redis connection.
func (c *CachedStore) Close() error {
	err := c.Store.Close()
	if cerr := c.cache.redis.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *CachedStore) invalidate(ctx context.Context) {
	if err := c.cache.InvalidateAll(ctx); err != nil {
		c.stale.Store(true)
		logging.WithError(err).Warn("Failed to invalidate aggregate cache, bypassing it until Redis recovers")
		return
	}
	c.stale.Store(false)
}

// usable reports whether cached entries may be served, retrying a pending
// invalidation first.
func (c *CachedStore) usable(ctx context.Context) bool {
	if !c.stale.Load() {
		return true
	}
	if err := c.cache.InvalidateAll(ctx); err != nil {
		return false
	}
	c.stale.Store(false)
	logging.Info("Aggregate cache invalidated after Redis recovered")
	return true
}

func cached[T any](ctx context.Context, c *CachedStore, kind CacheKeyType, params []string, load func() (T, error)) (T, error) {
	log := logging.WithField("cacheKeyType", kind)

	if !c.usable(ctx) {
		log.Debug("Cache stale, reading from store")
		return load()
	}

	key, err := c.cache.GenerateCacheKey(ctx, kind, params...)
	if err != nil {
		log.WithError(err).Debug("Cache unavailable, reading from store")
		return load()
	}

	var v T
	hit, err := c.cache.Get(ctx, key, &v)
	if err != nil {
		log.WithError(err).Debug("Cache read failed")
	}
	if hit {
		return v, nil
	}

	v, err = load()
	if err != nil {
		return v, err
	}
	if err := c.cache.Set(ctx, key, v); err != nil {
		log.WithError(err).Debug("Cache write failed")
	}
	return v, nil
}

var _ Store = (*CachedStore)(nil)
