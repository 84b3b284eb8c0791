package effect

import (
	"sync"
	"time"
)

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker stops dispatching to a target after repeated failures and
// lets a single trial call through once the reset timeout has elapsed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	probing      bool
	clock        func() time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        stateClosed,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.clock().Sub(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = stateHalfOpen
		cb.probing = true
		return true
	case stateHalfOpen:
		// one trial call at a time
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// Success closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
	cb.probing = false
}

// Failure records a failed call; a failed trial call reopens immediately.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	cb.probing = false
	if cb.state == stateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// State returns the current state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
