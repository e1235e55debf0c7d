package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheService stores JSON values in Redis under generation-scoped keys.
// Bumping the generation orphans every key written before it; the orphans
// age out through their TTL.
type CacheService struct {
	redis  *RedisCache
	ttl    time.Duration
	prefix string
}

const generationKey = "generation"

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis:  redis,
		ttl:    ttl,
		prefix: "revenue",
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyRevenue is for date-range revenue sums
	CacheKeyRevenue CacheKeyType = "revenue"
	// CacheKeyCount is for date-range payment counts
	CacheKeyCount CacheKeyType = "count"
	// CacheKeyBlockRevenue is for block-range revenue sums
	CacheKeyBlockRevenue CacheKeyType = "blockrevenue"
	// CacheKeyDaily is for per-day revenue series
	CacheKeyDaily CacheKeyType = "daily"
)

// generation returns the current cache generation, 0 when unset.
func (c *CacheService) generation(ctx context.Context) (string, error) {
	gen, err := c.redis.Get(ctx, c.prefix+":"+generationKey)
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <prefix>:<generation>:<type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(ctx context.Context, keyType CacheKeyType, params ...string) (string, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read cache generation: %w", err)
	}
	parts := append([]string{c.prefix, gen, string(keyType)}, params...)
	return strings.Join(parts, ":"), nil
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, c.ttl)
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		// Key not found is not an error, just a cache miss
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}

// InvalidateAll bumps the generation so every cached aggregate misses.
func (c *CacheService) InvalidateAll(ctx context.Context) error {
	if _, err := c.redis.Incr(ctx, c.prefix+":"+generationKey); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	return nil
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}
