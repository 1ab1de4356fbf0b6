// Package ridecache is the cache-aside read cache over get_ride from spec
// §4.7. It is invalidated after every state-store transition; a stale read
// just before invalidation is acceptable and bounded by the TTL.
package ridecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ridecore/matching/internal/domain"
)

func key(rideID string) string {
	return fmt.Sprintf("ride_status:%s", rideID)
}

// Loader fetches the authoritative ride on a cache miss.
type Loader func(ctx context.Context, rideID string) (*domain.Ride, error)

// redisCommands narrows the dependency to what this package actually uses,
// so tests can supply a fake instead of a live Redis server.
type redisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache wraps a Redis client with the cache-aside Get/Invalidate contract.
type Cache struct {
	client redisCommands
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached ride if present, otherwise calls load, caches the
// result, and returns it. A nil *Cache calls load directly.
func (c *Cache) Get(ctx context.Context, rideID string, load Loader) (*domain.Ride, error) {
	if c == nil {
		return load(ctx, rideID)
	}
	raw, err := c.client.Get(ctx, key(rideID)).Result()
	if err == nil {
		var ride domain.Ride
		if jerr := json.Unmarshal([]byte(raw), &ride); jerr == nil {
			return &ride, nil
		}
		// fall through to reload on a corrupt cache entry
	}

	ride, err := load(ctx, rideID)
	if err != nil {
		return nil, err
	}

	if encoded, merr := json.Marshal(ride); merr == nil {
		_ = c.client.Set(ctx, key(rideID), encoded, c.ttl).Err()
	}
	return ride, nil
}

// Invalidate must be called after every committed transition in §4.1, once
// the transaction has committed. It is a no-op on a nil *Cache.
func (c *Cache) Invalidate(ctx context.Context, rideID string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, key(rideID)).Err()
}
