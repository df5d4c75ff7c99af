// Package cache keeps short-lived read models, such as subscription
// summaries and app lists, in Redis with an in-process fallback.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aun-builder/internal/metrics"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// RedisClient is the subset of Redis operations the cache needs
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	DefaultTTL      time.Duration
	MaxMemoryItems  int
	SubscriptionTTL time.Duration
	CleanupInterval time.Duration
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		DefaultTTL:      time.Minute,
		MaxMemoryItems:  10000,
		SubscriptionTTL: 5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// RedisCache writes through Redis when one is configured. Values Redis
// refuses, and every value when there is no Redis, land in the memory tier.
type RedisCache struct {
	redis  RedisClient
	memory *memoryTier

	defaultTTL      time.Duration
	subscriptionTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRedisCache creates a memory-only cache
func NewRedisCache(config *CacheConfig) *RedisCache {
	return NewRedisCacheWithClient(nil, config)
}

// NewRedisCacheWithClient creates a cache backed by client. A nil client
// yields a memory-only cache. Zero config fields take their defaults.
func NewRedisCacheWithClient(client RedisClient, config *CacheConfig) *RedisCache {
	cfg := *DefaultCacheConfig()
	if config != nil {
		if config.DefaultTTL > 0 {
			cfg.DefaultTTL = config.DefaultTTL
		}
		if config.MaxMemoryItems > 0 {
			cfg.MaxMemoryItems = config.MaxMemoryItems
		}
		if config.SubscriptionTTL > 0 {
			cfg.SubscriptionTTL = config.SubscriptionTTL
		}
		if config.CleanupInterval > 0 {
			cfg.CleanupInterval = config.CleanupInterval
		}
	}

	c := &RedisCache{
		redis:           client,
		memory:          newMemoryTier(cfg.MaxMemoryItems),
		defaultTTL:      cfg.DefaultTTL,
		subscriptionTTL: cfg.SubscriptionTTL,
		stop:            make(chan struct{}),
	}
	go c.janitor(cfg.CleanupInterval)
	return c
}

// SubscriptionTTL is how long subscription summaries stay cached
func (c *RedisCache) SubscriptionTTL() time.Duration {
	return c.subscriptionTTL
}

// Get returns the value at key or ErrCacheMiss
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redis != nil {
		if val, err := c.redis.Get(ctx, key); err == nil {
			c.observe(key, true)
			return []byte(val), nil
		}
	}

	if val, ok := c.memory.get(key, time.Now()); ok {
		c.observe(key, true)
		return val, nil
	}
	c.observe(key, false)
	return nil, ErrCacheMiss
}

// Set stores value for ttl; zero ttl uses the default
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.redis != nil && c.redis.Set(ctx, key, string(value), ttl) == nil {
		return nil
	}
	c.memory.set(key, value, time.Now().Add(ttl))
	return nil
}

// Delete removes key from both tiers
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	c.memory.delete(key)
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, key)
}

// DeletePattern removes every key matching pattern, which is either exact
// or ends in a single *
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	c.memory.deleteMatching(pattern)
	if c.redis == nil {
		return nil
	}
	keys, err := c.redis.Keys(ctx, pattern)
	if err != nil || len(keys) == 0 {
		return err
	}
	return c.redis.Del(ctx, keys...)
}

// GetJSON decodes the value at key into dest
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON stores value encoded as JSON
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// GetOrSetJSON fills dest from the cache, or from loader on a miss. Loader
// errors are returned and nothing is cached.
func (c *RedisCache) GetOrSetJSON(ctx context.Context, key string, ttl time.Duration, dest interface{}, loader func() (interface{}, error)) error {
	if c.GetJSON(ctx, key, dest) == nil {
		return nil
	}

	value, err := loader()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_ = c.Set(ctx, key, data, ttl)
	return json.Unmarshal(data, dest)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
	Redis      bool    `json:"redis"`
}

func (c *RedisCache) Stats() CacheStats {
	s := CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		MemorySize: c.memory.size(),
		Redis:      c.redis != nil,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the janitor. The Redis connection belongs to the caller.
func (c *RedisCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// observe counts a lookup and reports it under the key's prefix
func (c *RedisCache) observe(key string, hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	name, _, _ := strings.Cut(key, ":")
	metrics.Get().RecordCacheOperation(name, hit)
}

func (c *RedisCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.memory.purgeExpired()
		case <-c.stop:
			return
		}
	}
}

func matchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

// SubscriptionKey is the cache key of a user's subscription summary
func SubscriptionKey(userID string) string {
	return "subscription:" + userID
}

// UserAppsKey is the cache key of a user's app list
func UserAppsKey(userID string) string {
	return "apps:user:" + userID
}
