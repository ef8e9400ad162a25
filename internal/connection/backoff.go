package connection

import (
	"math"
	"math/rand"
	"time"

	"github.com/polaris-labs/device-subclient/internal/config"
)

// computeBackoff returns the jittered delay before reconnect attempt
// number attempt (0-based, i.e. the delay before the *first* retry is
// computeBackoff(cfg, 0)), per spec §4.1:
//
//	delay0 = initial_delay_ms
//	delayN = min(max_delay_ms, delay0 * backoff_multiplier^N)
//	actual = delayN * (1 + U(-jitter_pct/100, +jitter_pct/100))
func computeBackoff(cfg config.ReconnectConfig, attempt int, rng *rand.Rand) time.Duration {
	base := float64(cfg.InitialDelayMs)
	delay := base * math.Pow(float64(cfg.BackoffMultiplier), float64(attempt))
	if max := float64(cfg.MaxDelayMs); delay > max {
		delay = max
	}

	jitterPct := float64(cfg.JitterPct) / 100.0
	jitter := delay * jitterPct * (2*rng.Float64() - 1)
	actual := delay + jitter
	if actual < 0 {
		actual = 0
	}

	return time.Duration(actual) * time.Millisecond
}

// backoffBounds returns the [min, max] range a jittered delay at attempt
// must fall within, used by tests to check spec §8 property 7.
func backoffBounds(cfg config.ReconnectConfig, attempt int) (min, max time.Duration) {
	base := float64(cfg.InitialDelayMs)
	delay := base * math.Pow(float64(cfg.BackoffMultiplier), float64(attempt))
	if m := float64(cfg.MaxDelayMs); delay > m {
		delay = m
	}
	jitterPct := float64(cfg.JitterPct) / 100.0
	lo := delay * (1 - jitterPct)
	hi := delay * (1 + jitterPct)
	if lo < 0 {
		lo = 0
	}
	return time.Duration(lo) * time.Millisecond, time.Duration(hi) * time.Millisecond
}
