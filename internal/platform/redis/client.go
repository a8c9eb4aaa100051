package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/uncovering-world/track-your-regions/internal/platform/config"
)

// Client wraps the go-redis client so batch progress can be shared across
// server replicas and probed from /healthz.
type Client struct {
	*redis.Client
}

// New dials Redis from the provided configuration and verifies the
// connection with a ping. Returns nil when no URL is configured; callers
// fall back to process-local progress tracking.
func New(cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client}, nil
}

// Health pings the server; the router surfaces a failure through /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}
