package session

import (
	"fmt"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/command"
)

// BackoffConfig widens the ack window of resent commands. The zero value
// resends exactly on the per-command timeout.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryPolicy bounds how often a command is transmitted before it times out.
// MaxAttempts counts every transmission, the first one included.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// Config defines scheduler and retry defaults.
type Config struct {
	TickInterval time.Duration
	Retry        RetryPolicy
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

func DefaultConfig() Config {
	return Config{
		TickInterval: 50 * time.Millisecond,
		Retry:        DefaultRetryPolicy(),
	}
}

// Validate checks the config against the registry it will run with; the tick
// must be finer than the smallest command timeout.
func (c Config) Validate(registry *command.Registry) error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("session: tick interval must be positive")
	}
	if registry != nil && c.TickInterval >= registry.MinTimeout() {
		return fmt.Errorf("session: tick interval %v must be below smallest timeout %v", c.TickInterval, registry.MinTimeout())
	}
	return c.Retry.Validate()
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("session: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Backoff.InitialDelay < 0 || p.Backoff.MaxDelay < 0 {
		return fmt.Errorf("session: backoff delays must not be negative")
	}
	return nil
}
