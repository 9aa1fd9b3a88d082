package webhook

import (
	"context"
	"sync"
	"time"
)

// Deduper is the request-level idempotency cache. It only saves work;
// the transition function is what makes redelivery safe.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// MemoryDeduper is the single-replica fallback when redis is disabled.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.cleanupLocked(now)
	expires, ok := d.entries[key]
	return ok && now.Before(expires), nil
}

func (d *MemoryDeduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[key] = d.now().Add(ttl)
	return nil
}

func (d *MemoryDeduper) cleanupLocked(now time.Time) {
	for key, expires := range d.entries {
		if !now.Before(expires) {
			delete(d.entries, key)
		}
	}
}
