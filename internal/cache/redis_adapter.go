package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// GoRedisAdapter implements RedisClient on top of a go-redis client
type GoRedisAdapter struct {
	client *redis.Client
}

// NewGoRedisAdapter wraps an already connected client
func NewGoRedisAdapter(client *redis.Client) *GoRedisAdapter {
	return &GoRedisAdapter{client: client}
}

// Get returns ErrCacheMiss for missing keys
func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

// Keys uses SCAN so large keyspaces do not block the server
func (a *GoRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := a.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (a *GoRedisAdapter) Close() error {
	return a.client.Close()
}

// Client exposes the underlying go-redis client
func (a *GoRedisAdapter) Client() *redis.Client {
	return a.client
}
