package main

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := newCircuitBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute, ResetTimeout: 30 * time.Second})
	for i := 0; i < 2; i++ {
		cb.RecordFailure("a")
		if err := cb.CanExecute("a"); err != nil {
			t.Fatalf("expected closed breaker below threshold, got %v", err)
		}
	}
	cb.RecordFailure("a")
	err := cb.CanExecute("a")
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if open.AccountID != "a" || open.RetryIn <= 0 {
		t.Fatalf("unexpected open error %+v", open)
	}
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := newCircuitBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, ResetTimeout: 30 * time.Second})
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	cb.RecordFailure("a")
	if err := cb.CanExecute("a"); err == nil {
		t.Fatalf("expected open breaker to reject")
	}

	clock = clock.Add(31 * time.Second)
	if err := cb.CanExecute("a"); err != nil {
		t.Fatalf("expected half-open probe allowed, got %v", err)
	}
	if cb.State("a") != circuitHalfOpen {
		t.Fatalf("expected half-open state, got %v", cb.State("a"))
	}

	// Probe success closes; probe failure re-opens immediately.
	cb.RecordSuccess("a")
	if cb.State("a") != circuitClosed {
		t.Fatalf("expected closed after probe success")
	}

	cb.RecordFailure("a")
	clock = clock.Add(31 * time.Second)
	if err := cb.CanExecute("a"); err != nil {
		t.Fatalf("expected second probe allowed, got %v", err)
	}
	cb.RecordFailure("a")
	if cb.State("a") != circuitOpen {
		t.Fatalf("expected half-open failure to re-open")
	}
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	cb := newCircuitBreaker(BreakerConfig{FailureThreshold: 3, Window: 10 * time.Second, ResetTimeout: 30 * time.Second})
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	cb.RecordFailure("a")
	cb.RecordFailure("a")
	clock = clock.Add(11 * time.Second)
	cb.RecordFailure("a")
	if cb.State("a") != circuitClosed {
		t.Fatalf("expected stale failures pruned, state %v", cb.State("a"))
	}
	if got := cb.FailureCount("a"); got != 1 {
		t.Fatalf("expected 1 windowed failure, got %d", got)
	}
}

func TestBreakerResetClearsState(t *testing.T) {
	cb := newCircuitBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, ResetTimeout: time.Minute})
	cb.RecordFailure("a")
	if cb.State("a") != circuitOpen {
		t.Fatalf("expected open")
	}
	cb.Reset("a")
	if cb.State("a") != circuitClosed || cb.FailureCount("a") != 0 {
		t.Fatalf("expected reset to closed with empty window")
	}
}

func TestBreakerInvariantsUnderRandomOps(t *testing.T) {
	cb := newCircuitBreaker(defaultBreakerConfig())
	rng := rand.New(rand.NewSource(7))
	accounts := []string{"a", "b", "c"}
	for i := 0; i < 2000; i++ {
		id := accounts[rng.Intn(len(accounts))]
		switch rng.Intn(4) {
		case 0:
			cb.RecordFailure(id)
		case 1:
			cb.RecordSuccess(id)
		case 2:
			cb.CanExecute(id)
		case 3:
			cb.Reset(id)
		}
		if n := cb.FailureCount(id); n < 0 {
			t.Fatalf("negative failure count for %s", id)
		}
		switch cb.State(id) {
		case circuitClosed, circuitOpen, circuitHalfOpen:
		default:
			t.Fatalf("unknown state for %s", id)
		}
	}
}
