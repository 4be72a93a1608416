package exchange

import (
	"sync"
	"time"

	"github.com/helmsbot/helmsbot/tools/log"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 5 * time.Minute
)

// Breaker is a consecutive-failure circuit breaker shared by the whole
// connector. While open every call fails fast with ErrCircuitOpen; after the
// open timeout a single probe call is let through.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	timeout   time.Duration
	openedAt  time.Time
}

// NewBreaker creates a closed breaker. Zero arguments select the defaults.
func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		timeout:   timeout,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until the timeout elapses, then half-opens for one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.timeout {
			return ErrCircuitOpen
		}
		b.transition(BreakerHalfOpen)
		return nil
	case BreakerHalfOpen:
		// One probe is already in flight.
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// Failure records a failed call. The half-open probe failing, or the
// consecutive-failure count reaching the threshold, opens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = time.Now()
		b.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	log.WithFields(log.Fields{
		"from":     b.state,
		"to":       next,
		"failures": b.failures,
	}).Warn("exchange: circuit breaker state change")
	b.state = next
	if next == BreakerHalfOpen || next == BreakerClosed {
		b.failures = 0
	}
}
