package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup keeps dedup keys in Redis so several processes serving the
// same tenants share one window.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup connects to the Redis server at url (redis://...).
func NewRedisDedup(ctx context.Context, url, prefix string) (*RedisDedup, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisDedupFromClient(client, prefix), nil
}

// NewRedisDedupFromClient wraps an existing client.
func NewRedisDedupFromClient(client *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "storeclaw:dedup:"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

// Seen uses SET NX with expiry, so check and insert are one round trip.
func (d *RedisDedup) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

// Close closes the client.
func (d *RedisDedup) Close() error {
	return d.client.Close()
}
