package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reelflow/reelflow/pkg/config"
)

func TestExponentialBackoff(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Mode: "exponential", Base: 15 * time.Minute, Factor: 2, Max: time.Hour})

	assert.Equal(t, 15*time.Minute, b.Delay(0))
	assert.Equal(t, 15*time.Minute, b.Delay(1))
	assert.Equal(t, 30*time.Minute, b.Delay(2))
	assert.Equal(t, time.Hour, b.Delay(3))
	assert.Equal(t, time.Hour, b.Delay(200))
}

func TestFixedBackoff(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Mode: "fixed", Base: 10 * time.Minute})

	assert.Equal(t, 10*time.Minute, b.Delay(1))
	assert.Equal(t, 10*time.Minute, b.Delay(5))
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{})

	assert.Equal(t, 15*time.Minute, b.Delay(1))
	assert.Equal(t, 30*time.Minute, b.Delay(2))
}
