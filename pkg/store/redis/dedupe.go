package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed webhook deliveries for a bounded time so
// every engine replica sees the same set.
type Deduper struct {
	client *Client
}

func NewDeduper(client *Client) *Deduper {
	return &Deduper{client: client}
}

func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	err := d.client.rdb.Get(ctx, d.client.Key("seen", key)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark records key for ttl. An existing mark keeps its original expiry.
func (d *Deduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return d.client.rdb.SetNX(ctx, d.client.Key("seen", key), 1, ttl).Err()
}
