package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		l.released++
		return nil
	}, true, nil
}

func TestGuardSkipsOverlappingRun(t *testing.T) {
	g := NewGuard("stall", nil, time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})

	done := make(chan bool)
	go func() {
		ran, _ := g.Do(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
		done <- ran
	}()

	<-entered
	ran, err := g.Do(context.Background(), func(context.Context) error {
		t.Error("overlapping run must not execute")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	assert.True(t, <-done)

	ran, err = g.Do(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestGuardRespectsLease(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{"sweep:retry": true}}
	g := NewGuard("retry", locker, time.Minute)

	ran, err := g.Do(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran, "lease held elsewhere")

	delete(locker.held, "sweep:retry")
	ran, err = g.Do(context.Background(), func(context.Context) error { return errors.New("boom") })
	assert.True(t, ran)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, locker.released)
}

func TestIsolateRecoversPanic(t *testing.T) {
	err := Isolate(func() error { panic("adapter blew up") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter blew up")

	assert.NoError(t, Isolate(func() error { return nil }))
}
