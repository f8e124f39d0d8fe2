package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CacheService provides typed, msgpack-encoded caching on top of Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyGeocode is for resolved grid cells
	CacheKeyGeocode CacheKeyType = "geo"
	// CacheKeySnapshot is for reconstructed selection snapshots
	CacheKeySnapshot CacheKeyType = "snapshot"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := append([]string{string(keyType)}, params...)
	return strings.Join(parts, ":")
}

// GenerateGeocodeKey generates a cache key for a grid cell
// Format: geo:<cell>
func (c *CacheService) GenerateGeocodeKey(cellKey string) string {
	return c.GenerateCacheKey(CacheKeyGeocode, cellKey)
}

// GenerateSnapshotKey generates a cache key for a selection snapshot as of a cutoff
// Format: snapshot:<selection>:<unix-nanos>
func (c *CacheService) GenerateSnapshotKey(selectionID string, at time.Time) string {
	return c.GenerateCacheKey(CacheKeySnapshot, selectionID, fmt.Sprintf("%d", at.UnixNano()))
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		// Key not found is not an error, just a cache miss
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := msgpack.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}
