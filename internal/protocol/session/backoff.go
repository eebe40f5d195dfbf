package session

import (
	"math"
	"math/rand"
	"time"
)

// RetryDelay returns the extra wait added to the ack window of transmission
// attempt N (1-based). The first transmission never waits extra.
func RetryDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-2))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// retryBudget is the latest point at which a request registered at start may
// still be pending, assuming the worst jitter on every retry.
func retryBudget(start time.Time, timeout time.Duration, policy RetryPolicy) time.Time {
	worst := policy.Backoff
	worst.Jitter = false
	jitter := 1.0
	if policy.Backoff.Jitter {
		jitter = 1.5
	}
	at := start
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		at = at.Add(timeout + time.Duration(float64(RetryDelay(worst, attempt, nil))*jitter))
	}
	return at
}
