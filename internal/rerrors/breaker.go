package rerrors

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int32

const (
	// BreakerClosed allows all requests through.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks all requests.
	BreakerOpen
	// BreakerHalfOpen allows limited requests through for probing.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// MaxFailures is the number of failures before opening the circuit.
	MaxFailures uint32
	// MaxProbes is the number of requests allowed in half-open state.
	MaxProbes uint32
	// Interval is the cyclic period for resetting the failure count while closed.
	Interval time.Duration
	// Timeout is the duration of the open state before switching to half-open.
	Timeout time.Duration
	// ShouldTrip decides whether an error counts as a failure.
	ShouldTrip func(error) bool
}

// DefaultBreakerConfig returns defaults tuned for device REST transports:
// a handful of consecutive transport failures opens the circuit so the
// broker falls through to the shell path instead of hammering a dead API.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxFailures: 5,
		MaxProbes:   1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ShouldTrip: func(err error) bool {
			return IsRetryable(err)
		},
	}
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	config *BreakerConfig

	state    atomic.Int32
	failures atomic.Uint32
	probes   atomic.Uint32

	mu            sync.Mutex
	lastStateTime time.Time
}

// NewBreaker creates a circuit breaker.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	b := &Breaker{
		config:        config,
		lastStateTime: time.Now(),
	}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest(err)
	return err
}

// State returns the current breaker state, advancing open→half-open and
// rolling the closed-state failure window as needed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := BreakerState(b.state.Load())
	now := time.Now()

	switch state {
	case BreakerOpen:
		if now.After(b.lastStateTime.Add(b.config.Timeout)) {
			b.setStateLocked(BreakerHalfOpen)
			return BreakerHalfOpen
		}
	case BreakerClosed:
		if now.After(b.lastStateTime.Add(b.config.Interval)) {
			b.failures.Store(0)
			b.lastStateTime = now
		}
	}
	return state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(BreakerClosed)
	b.failures.Store(0)
	b.probes.Store(0)
}

func (b *Breaker) beforeRequest() error {
	switch b.State() {
	case BreakerOpen:
		return New(ErrCodeUnavailable, "circuit breaker is open").
			WithMetadata("circuit_state", BreakerOpen.String())
	case BreakerHalfOpen:
		if b.probes.Add(1) > b.config.MaxProbes {
			return New(ErrCodeUnavailable, "circuit breaker half-open probe limit reached").
				WithMetadata("circuit_state", BreakerHalfOpen.String())
		}
	}
	return nil
}

func (b *Breaker) afterRequest(err error) {
	state := BreakerState(b.state.Load())
	if err == nil {
		b.onSuccess(state)
		return
	}
	b.onFailure(state, err)
}

func (b *Breaker) onSuccess(state BreakerState) {
	if state != BreakerHalfOpen {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probes.Load() >= b.config.MaxProbes {
		b.setStateLocked(BreakerClosed)
		b.failures.Store(0)
		b.probes.Store(0)
	}
}

func (b *Breaker) onFailure(state BreakerState, err error) {
	if b.config.ShouldTrip != nil && !b.config.ShouldTrip(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch state {
	case BreakerClosed:
		if b.failures.Add(1) >= b.config.MaxFailures {
			b.setStateLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setStateLocked(BreakerOpen)
	}
}

func (b *Breaker) setStateLocked(state BreakerState) {
	old := BreakerState(b.state.Load())
	if old == state {
		return
	}
	b.state.Store(int32(state))
	b.lastStateTime = time.Now()
	if state == BreakerOpen {
		b.probes.Store(0)
	}
}

// BreakerGroup manages one breaker per key (one per device endpoint).
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   *BreakerConfig
}

// NewBreakerGroup creates a breaker group.
func NewBreakerGroup(config *BreakerConfig) *BreakerGroup {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for the given key, creating it on first use.
func (g *BreakerGroup) Get(key string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[key]; ok {
		return b
	}
	b = NewBreaker(g.config)
	g.breakers[key] = b
	return b
}

// Execute runs fn through the breaker for key.
func (g *BreakerGroup) Execute(ctx context.Context, key string, fn func() error) error {
	return g.Get(key).Execute(ctx, fn)
}
