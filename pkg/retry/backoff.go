package retry

import (
	"math"
	"time"

	"github.com/reelflow/reelflow/pkg/config"
)

// Backoff computes the cooldown before the n-th scheduled retry.
type Backoff struct {
	Fixed  bool
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func NewBackoff(cfg config.BackoffConfig) Backoff {
	b := Backoff{
		Fixed:  cfg.Mode == "fixed",
		Base:   cfg.Base,
		Factor: cfg.Factor,
		Max:    cfg.Max,
	}
	if b.Base <= 0 {
		b.Base = 15 * time.Minute
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	return b
}

// Delay returns base*factor^(n-1), capped at Max. n starts at 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Fixed {
		return b.capped(b.Base)
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(n-1))
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return b.capped(time.Duration(d))
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
