// Package redis backs the engine's hot path: the latest mark prices, the
// position event bus, and the per-actor tick locks all live in one Redis
// instance.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPoolSize   = 10
	defaultMaxRetries = 3
)

// ClientConfig holds connection parameters for the Redis client. Zero
// PoolSize and MaxRetries fall back to engine defaults.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps the go-redis driver shared by the price cache, signal bus,
// and lock manager.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping. Ticks start
// flowing the moment the feed comes up, so a dead cache is surfaced at
// startup rather than on the first write.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// Health reports whether the Redis connection is alive.
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: health: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver to the sibling cache implementations.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
