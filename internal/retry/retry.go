package retry

import (
	"context"
	"math/rand"
	"time"

	"rosfleet.sh/internal/rerrors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// DeviceConfig returns config tuned for device transport calls, where
// transient unreachability is expected and backoff should be generous.
func DeviceConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// RollbackConfig returns config for rollback attempts during a halted
// rollout. Retries are short so a failing batch resolves quickly.
func RollbackConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// IsRetryable checks if an error should be retried
type IsRetryable func(error) bool

// DefaultRetryable retries on errors flagged retryable plus net-style
// temporary and timeout errors.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if rerrors.IsRetryable(err) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok && te.Temporary() {
		return true
	}

	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok && te.Timeout() {
		return true
	}

	return false
}

// Do executes a function with retry logic
func Do(ctx context.Context, config Config, fn func(context.Context) error) error {
	return DoWithRetryable(ctx, config, DefaultRetryable, fn)
}

// DoWithRetryable executes a function with retry logic and custom retryability check
func DoWithRetryable(ctx context.Context, config Config, isRetryable IsRetryable, fn func(context.Context) error) error {
	var lastErr error
	backoff := config.InitialBackoff
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) || attempt >= config.MaxAttempts {
			return err
		}

		// Backoff with optional ±25% jitter.
		delay := backoff
		if config.Jitter {
			jitter := time.Duration(float64(backoff) * 0.25 * (2*rng.Float64() - 1))
			delay = backoff + jitter
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// Backoff provides exponential backoff with jitter
type Backoff struct {
	config  Config
	attempt int
	rng     *rand.Rand
}

// NewBackoff creates a new Backoff
func NewBackoff(config Config) *Backoff {
	return &Backoff{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next backoff duration, or 0 once attempts are spent.
func (b *Backoff) Next() time.Duration {
	b.attempt++

	if b.attempt > b.config.MaxAttempts {
		return 0
	}

	backoff := b.config.InitialBackoff
	for i := 1; i < b.attempt; i++ {
		backoff = time.Duration(float64(backoff) * b.config.Multiplier)
		if backoff > b.config.MaxBackoff {
			backoff = b.config.MaxBackoff
			break
		}
	}

	if b.config.Jitter {
		jitter := time.Duration(float64(backoff) * 0.25 * (2*b.rng.Float64() - 1))
		backoff = backoff + jitter
	}

	return backoff
}
