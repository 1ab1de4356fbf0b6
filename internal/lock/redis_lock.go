package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager implements Manager as a Redis SET NX PX compare-and-set.
// This is the production path: it is visible across every process behind
// the load balancer, unlike MemoryManager.
type RedisManager struct {
	client *redis.Client
}

func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

func (r *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisManager) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
