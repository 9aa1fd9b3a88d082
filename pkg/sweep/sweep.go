// Package sweep holds the plumbing shared by the periodic background jobs:
// a ticker loop, single-flight guarding with an optional distributed lease,
// and per-item panic isolation.
package sweep

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Locker grants a named lease across processes. pkg/store/redis.Locker
// satisfies it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Guard keeps a sweep from overlapping with itself, in this process and,
// when a Locker is set, across replicas.
type Guard struct {
	name    string
	locker  Locker
	ttl     time.Duration
	running atomic.Bool
}

func NewGuard(name string, locker Locker, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Guard{name: name, locker: locker, ttl: ttl}
}

// Do runs fn unless another run holds the guard. ran is false when the
// run was skipped.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	if !g.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer g.running.Store(false)

	if g.locker != nil {
		release, ok, err := g.locker.Acquire(ctx, "sweep:"+g.name, g.ttl)
		if err != nil {
			return false, fmt.Errorf("acquire %s lease: %w", g.name, err)
		}
		if !ok {
			return false, nil
		}
		defer func() {
			// the sweep ctx may already be cancelled; release on a fresh one
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = release(rctx)
		}()
	}

	return true, fn(ctx)
}

// Isolate calls fn and converts a panic into an error.
func Isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Every calls fn once immediately and then on each tick until ctx is done.
func Every(ctx context.Context, interval time.Duration, logger *zap.Logger, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("sweep finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
