package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dtesync/internal/platform/config"
	"dtesync/internal/platform/kvstore"
)

// Client wraps the go-redis client with health checking capabilities.
type Client struct {
	*redis.Client
}

// New connects to url with the pool settings in cfg.
func New(ctx context.Context, url string, cfg config.RedisConfig) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// Dialer returns a kvstore dialer that applies cfg.
func Dialer(cfg config.RedisConfig) kvstore.RedisDialer {
	return func(ctx context.Context, url string) (redis.UniversalClient, error) {
		c, err := New(ctx, url, cfg)
		if err != nil {
			return nil, err
		}
		return c.Client, nil
	}
}

// Health checks if the Redis connection is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
