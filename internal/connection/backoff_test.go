package connection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/polaris-labs/device-subclient/internal/config"
)

func TestComputeBackoff_WithinJitterBounds(t *testing.T) {
	cfg := config.DefaultReconnectConfig()
	rng := rand.New(rand.NewSource(42))

	for attempt := 0; attempt < 10; attempt++ {
		lo, hi := backoffBounds(cfg, attempt)
		for i := 0; i < 20; i++ {
			delay := computeBackoff(cfg, attempt, rng)
			assert.GreaterOrEqualf(t, delay, lo, "attempt %d below lower bound", attempt)
			assert.LessOrEqualf(t, delay, hi, "attempt %d above upper bound", attempt)
		}
	}
}

func TestComputeBackoff_CapsAtMaxDelay(t *testing.T) {
	cfg := config.ReconnectConfig{
		InitialDelayMs:    1000,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2,
		JitterPct:         0,
	}
	rng := rand.New(rand.NewSource(1))

	// 2^10 * 1000ms vastly exceeds max_delay_ms, so the result must sit
	// exactly at the cap once jitter_pct is zero.
	delay := computeBackoff(cfg, 10, rng)
	assert.Equal(t, 60*time.Second, delay)
}

func TestComputeBackoff_ZeroJitterIsDeterministic(t *testing.T) {
	cfg := config.ReconnectConfig{
		InitialDelayMs:    500,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2,
		JitterPct:         0,
	}
	rng := rand.New(rand.NewSource(7))

	assert.Equal(t, 500*time.Millisecond, computeBackoff(cfg, 0, rng))
	assert.Equal(t, 1000*time.Millisecond, computeBackoff(cfg, 1, rng))
	assert.Equal(t, 2000*time.Millisecond, computeBackoff(cfg, 2, rng))
}

func TestComputeBackoff_NeverNegative(t *testing.T) {
	cfg := config.ReconnectConfig{
		InitialDelayMs:    100,
		MaxDelayMs:        1000,
		BackoffMultiplier: 2,
		JitterPct:         200,
	}
	rng := rand.New(rand.NewSource(99))

	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 50; i++ {
			delay := computeBackoff(cfg, attempt, rng)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
		}
	}
}
