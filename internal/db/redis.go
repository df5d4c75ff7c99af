package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"aun-builder/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig holds Redis connection configuration. URL is redis:// or
// rediss:// for TLS.
type RedisConfig struct {
	URL string

	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	// Applies to reads and writes
	IOTimeout time.Duration

	// How often the connection is probed after startup
	ProbeInterval time.Duration
}

// DefaultRedisConfig returns the settings used by the API server
func DefaultRedisConfig(redisURL string) *RedisConfig {
	return &RedisConfig{
		URL:           redisURL,
		PoolSize:      50,
		MinIdleConns:  5,
		IdleTimeout:   5 * time.Minute,
		DialTimeout:   5 * time.Second,
		IOTimeout:     3 * time.Second,
		ProbeInterval: 30 * time.Second,
	}
}

func (c *RedisConfig) options() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.IdleTimeout = c.IdleTimeout
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.IOTimeout
	opts.WriteTimeout = c.IOTimeout
	return opts, nil
}

// RedisClient owns a go-redis client and probes it in the background
type RedisClient struct {
	client *redis.Client
	stop   chan struct{}
	once   sync.Once
}

// NewRedisClient connects and pings. The client is closed again when the
// ping fails.
func NewRedisClient(config *RedisConfig) (*RedisClient, error) {
	if config == nil || config.URL == "" {
		return nil, errors.New("redis URL is not configured")
	}
	opts, err := config.options()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rc := &RedisClient{client: client, stop: make(chan struct{})}
	if config.ProbeInterval > 0 {
		go rc.probe(config.ProbeInterval)
	}
	logging.L().Info("redis connected", zap.String("url", MaskRedisURL(config.URL)))
	return rc, nil
}

// probe logs when the connection goes down and when it recovers
func (rc *RedisClient) probe(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval/2)
		err := rc.client.Ping(ctx).Err()
		cancel()

		switch {
		case err != nil && healthy:
			logging.L().Warn("redis unreachable", zap.Error(err))
		case err == nil && !healthy:
			stats := rc.client.PoolStats()
			logging.L().Info("redis reachable again",
				zap.Uint32("total_conns", stats.TotalConns),
				zap.Uint32("timeouts", stats.Timeouts))
		}
		healthy = err == nil
	}
}

// Client returns the underlying Redis client
func (rc *RedisClient) Client() *redis.Client {
	return rc.client
}

// Close stops probing and closes the connection pool
func (rc *RedisClient) Close() error {
	rc.once.Do(func() { close(rc.stop) })
	return rc.client.Close()
}

// MaskRedisURL replaces the password of a redis URL with ****
func MaskRedisURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
