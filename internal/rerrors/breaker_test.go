package rerrors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxFailures: 3,
		MaxProbes:   1,
		Interval:    time.Minute,
		Timeout:     20 * time.Millisecond,
		ShouldTrip:  IsRetryable,
	}
}

func TestBreakerTripsAfterMaxFailures(t *testing.T) {
	b := NewBreaker(fastBreakerConfig())
	ctx := context.Background()
	unreachable := New(ErrCodeDeviceUnreachable, "no route")

	for i := 0; i < 3; i++ {
		assert.Equal(t, BreakerClosed, b.State())
		err := b.Execute(ctx, func() error { return unreachable })
		assert.Equal(t, unreachable, err)
	}
	assert.Equal(t, BreakerOpen, b.State())

	// While open, calls are rejected without running fn.
	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.Equal(t, ErrCodeUnavailable, GetCode(err))
	assert.False(t, called)
}

func TestBreakerIgnoresNonRetryableErrors(t *testing.T) {
	b := NewBreaker(fastBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, func() error { return New(ErrCodeValidation, "bad input") })
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(fastBreakerConfig())
	ctx := context.Background()
	unreachable := New(ErrCodeDeviceUnreachable, "no route")

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return unreachable })
	}
	require.Equal(t, BreakerOpen, b.State())

	// After the open timeout, one probe is let through; its success
	// closes the circuit again.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(fastBreakerConfig())
	ctx := context.Background()
	unreachable := New(ErrCodeDeviceUnreachable, "no route")

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return unreachable })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	_ = b.Execute(ctx, func() error { return unreachable })
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(fastBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return New(ErrCodeDeviceUnreachable, "no route") })
	}
	require.Equal(t, BreakerOpen, b.State())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Execute(ctx, func() error { return nil }))
}

func TestBreakerGroupIsolatesKeys(t *testing.T) {
	g := NewBreakerGroup(fastBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = g.Execute(ctx, "dev-01", func() error { return New(ErrCodeDeviceUnreachable, "no route") })
	}
	assert.Equal(t, BreakerOpen, g.Get("dev-01").State())

	// A tripped breaker for one device does not affect another.
	assert.NoError(t, g.Execute(ctx, "dev-02", func() error { return nil }))
	assert.Same(t, g.Get("dev-01"), g.Get("dev-01"))
}
