package llm

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position for one provider backend.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // passing calls through
	CircuitOpen                         // backend tripped, calls skipped
	CircuitHalfOpen                     // probing whether the backend recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker keeps a flapping LLM backend from being retried on every
// planning call. The Router holds one per provider: consecutive failures
// past the threshold open the circuit and the provider is skipped during
// failover; once the recovery window has elapsed a single probe call is let
// through, and its outcome decides whether the circuit closes again or
// re-opens for another window.
type CircuitBreaker struct {
	mu sync.RWMutex

	state        CircuitState
	consecErrors int
	openedAt     time.Time

	threshold int           // consecutive failures that trip the circuit
	window    time.Duration // wait before letting a probe through

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker. Non-positive arguments fall
// back to 5 failures / 30s.
func NewCircuitBreaker(threshold int, window time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Allow reports whether the next call may go to this backend. When the
// circuit is open and the recovery window has elapsed, it flips to
// half-open and admits the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.window {
		cb.state = CircuitHalfOpen
	}
	return cb.state != CircuitOpen
}

// RecordSuccess clears the failure streak; a successful probe closes the
// circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecErrors = 0
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure extends the failure streak. A failed probe re-opens the
// circuit immediately; in the closed state the circuit opens once the
// streak reaches the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecErrors++
	cb.openedAt = cb.now()

	if cb.state == CircuitHalfOpen || cb.consecErrors >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the circuit closed, e.g. after an operator swaps API keys.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecErrors = 0
}
