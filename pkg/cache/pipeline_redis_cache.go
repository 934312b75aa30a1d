// Package cache provides the Redis-backed implementations of the Cache and
// LockStore ports.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements out.Cache and out.LockStore on a shared client.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get reads a raw string value.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Set stores a raw string value with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key. Missing keys are not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Exists reports whether the key is present.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	return result > 0, err
}

// GetJSON loads a JSON value into dest. Returns (false, nil) on miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, err
	}

	return true, nil
}

// SetJSON stores value as JSON with TTL.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Acquire takes the lock with SET NX. True only when no live lock existed.
func (c *RedisCache) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, holder, ttl).Result()
}

// Release drops the lock. Expiry remains the hard guarantee.
func (c *RedisCache) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Increment bumps a counter key.
func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire resets the TTL on a key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Close releases the underlying connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
