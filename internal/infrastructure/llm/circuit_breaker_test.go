package llm

import (
	"testing"
	"time"
)

// breakerAt returns a breaker with a controllable clock starting at a fixed
// instant; advance moves it forward.
func breakerAt(threshold int, window time.Duration) (cb *CircuitBreaker, advance func(time.Duration)) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cb = NewCircuitBreaker(threshold, window)
	cb.now = func() time.Time { return current }
	return cb, func(d time.Duration) { current = current.Add(d) }
}

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	cb, _ := breakerAt(3, time.Second)
	if cb.State() != CircuitClosed {
		t.Fatal("expected closed state by default")
	}
	if !cb.Allow() {
		t.Fatal("expected allow in closed state")
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := breakerAt(3, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatal("should still be closed after 2 failures")
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("should be open after 3 failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow while open")
	}
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb, _ := breakerAt(3, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Fatal("should still be closed, success cleared the streak")
	}
}

func TestCircuitBreaker_ProbeAfterWindow(t *testing.T) {
	cb, advance := breakerAt(2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should not allow inside the recovery window")
	}

	advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("should admit a probe after the window elapses")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatal("should be half-open while probing")
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome func(*CircuitBreaker)
		want    CircuitState
	}{
		{"success closes", (*CircuitBreaker).RecordSuccess, CircuitClosed},
		{"failure re-opens", (*CircuitBreaker).RecordFailure, CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, advance := breakerAt(2, time.Second)
			cb.RecordFailure()
			cb.RecordFailure()
			advance(2 * time.Second)
			cb.Allow() // half-open

			tt.outcome(cb)
			if got := cb.State(); got != tt.want {
				t.Fatalf("after probe %s: state = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_FailureRestartsWindow(t *testing.T) {
	cb, advance := breakerAt(2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	advance(2 * time.Second)
	cb.Allow() // half-open
	cb.RecordFailure()

	// The failed probe restarted the window; still open until it elapses.
	advance(500 * time.Millisecond)
	if cb.Allow() {
		t.Fatal("window restarted by the failed probe, should still be open")
	}
	advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should probe again after the restarted window")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := breakerAt(2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("should be open")
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Fatal("should be closed after reset")
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitState_Strings(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half_open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
