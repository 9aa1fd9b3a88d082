package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named leases so that only one replica runs a sweep at a time.
type Locker struct {
	client *Client
}

func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lease if it is free. The returned release func only
// deletes the key while this holder still owns it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := l.client.Key("lease", name)
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}
