package main

import (
	"fmt"
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitOpenError is returned by CanExecute while the breaker rejects
// calls for an account. The dispatcher maps it to rotation, never to a
// user-visible error.
type CircuitOpenError struct {
	AccountID string
	RetryIn   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for account %s (retry in %s)", e.AccountID, e.RetryIn.Round(time.Millisecond))
}

// BreakerConfig tunes the per-account circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	ResetTimeout     time.Duration
}

func defaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Window: 60 * time.Second, ResetTimeout: 30 * time.Second}
}

type circuitEntry struct {
	state    circuitState
	failures []time.Time
	openedAt time.Time
}

// CircuitBreaker accumulates upstream failures per account inside a
// sliding window. When the window fills, the account is rejected until
// the reset timeout elapses, then a single half-open probe decides
// whether to close again.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	entries map[string]*circuitEntry
	now     func() time.Time
}

func newCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultBreakerConfig().FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultBreakerConfig().Window
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultBreakerConfig().ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, entries: map[string]*circuitEntry{}, now: time.Now}
}

func (cb *CircuitBreaker) entryLocked(accountID string) *circuitEntry {
	e, ok := cb.entries[accountID]
	if !ok {
		e = &circuitEntry{state: circuitClosed}
		cb.entries[accountID] = e
	}
	return e
}

func (e *circuitEntry) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept
}

// CanExecute reports whether a call may proceed. An open breaker past
// its reset timeout transitions to half-open and lets one call through.
func (cb *CircuitBreaker) CanExecute(accountID string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entryLocked(accountID)
	if e.state != circuitOpen {
		return nil
	}
	elapsed := cb.now().Sub(e.openedAt)
	if elapsed >= cb.cfg.ResetTimeout {
		e.state = circuitHalfOpen
		return nil
	}
	return &CircuitOpenError{AccountID: accountID, RetryIn: cb.cfg.ResetTimeout - elapsed}
}

// RecordSuccess closes a half-open breaker and clears its window.
func (cb *CircuitBreaker) RecordSuccess(accountID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entryLocked(accountID)
	e.state = circuitClosed
	e.failures = nil
}

// RecordFailure adds a failure; the breaker opens when the windowed
// count reaches the threshold. A failure while half-open re-opens
// immediately.
func (cb *CircuitBreaker) RecordFailure(accountID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	e := cb.entryLocked(accountID)
	e.failures = append(e.failures, now)
	e.pruneLocked(now, cb.cfg.Window)
	if e.state == circuitHalfOpen || len(e.failures) >= cb.cfg.FailureThreshold {
		e.state = circuitOpen
		e.openedAt = now
	}
}

// Reset unconditionally returns the breaker to closed with an empty
// window.
func (cb *CircuitBreaker) Reset(accountID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.entries[accountID] = &circuitEntry{state: circuitClosed}
}

func (cb *CircuitBreaker) State(accountID string) circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.entryLocked(accountID).state
}

func (cb *CircuitBreaker) FailureCount(accountID string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entryLocked(accountID)
	e.pruneLocked(cb.now(), cb.cfg.Window)
	return len(e.failures)
}

// TimeUntilReset reports how long an open breaker keeps rejecting.
// Zero for closed or half-open breakers.
func (cb *CircuitBreaker) TimeUntilReset(accountID string) time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entryLocked(accountID)
	if e.state != circuitOpen {
		return 0
	}
	remaining := cb.cfg.ResetTimeout - cb.now().Sub(e.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
