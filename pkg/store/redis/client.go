package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/reelflow/reelflow/pkg/config"
)

type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewClient(cfg *config.RedisConfig) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("redis: no addresses configured")
	}

	var rdb redis.UniversalClient
	if cfg.ClusterMode {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addresses,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addresses[0],
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewFromUniversal(rdb, cfg.KeyPrefix), nil
}

// NewFromUniversal wraps an existing connection.
func NewFromUniversal(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) Client() redis.UniversalClient {
	return c.rdb
}

// Key namespaces parts under the configured prefix.
func (c *Client) Key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
