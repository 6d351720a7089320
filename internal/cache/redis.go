// Package cache provides the best-effort durable mirror for task results.
// It is not a source of truth: a miss here plus a miss in the coordinator's
// memory store means the result is unrecoverable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no cached result exists for a task.
var ErrMiss = errors.New("cache miss")

// ResultCache mirrors terminal task results keyed by task id.
type ResultCache interface {
	StoreResult(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error
	GetResult(ctx context.Context, taskID string) ([]byte, error)
}

// RedisCache implements ResultCache on a Redis instance.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects a result cache to the Redis server at addr.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func resultKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// StoreResult writes a serialized result with the given expiry.
func (c *RedisCache) StoreResult(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, resultKey(taskID), payload, ttl).Err()
}

// GetResult reads a serialized result, returning ErrMiss when absent.
func (c *RedisCache) GetResult(ctx context.Context, taskID string) ([]byte, error) {
	val, err := c.client.Get(ctx, resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}
