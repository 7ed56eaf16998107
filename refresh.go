package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TokenFailureReason enumerates why a refresh failed.
type TokenFailureReason string

const (
	TokenFailHTTP            TokenFailureReason = "http_error"
	TokenFailInvalidResponse TokenFailureReason = "invalid_response"
	TokenFailNetwork         TokenFailureReason = "network_error"
	TokenFailCancelled       TokenFailureReason = "cancelled"
	TokenFailMissingRefresh  TokenFailureReason = "missing_refresh"
	TokenFailUnknown         TokenFailureReason = "unknown"
)

// TokenResult is the outcome of one refresh call. Either Success is set
// with the token fields, or Reason describes the failure.
type TokenResult struct {
	Success      bool
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    int64 // unix ms

	Reason     TokenFailureReason
	StatusCode int
	Message    string
}

func tokenFailure(reason TokenFailureReason, status int, msg string) TokenResult {
	return TokenResult{Reason: reason, StatusCode: status, Message: msg}
}

// TokenRefreshFunc performs the actual upstream refresh. The OAuth flow
// that owns the endpoint provides the implementation; tests inject fakes.
type TokenRefreshFunc func(ctx context.Context, refreshToken string) TokenResult

// RefreshCounters is a point-in-time view of queue activity.
type RefreshCounters struct {
	Started      int64 `json:"started"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Rotated      int64 `json:"rotated"`
	DedupedJoins int64 `json:"deduped_joins"`
}

type refreshEntry struct {
	done    chan struct{}
	result  TokenResult
	started time.Time
}

// rotationTTL bounds how long a new->old token mapping lets late callers
// converge on an in-flight refresh. One hop only; entries are dropped on
// expiry, so a rotation chain can never loop.
const rotationTTL = 60 * time.Second

// refreshMaxAge evicts in-flight entries whose delegate has apparently
// been abandoned.
const refreshMaxAge = 30 * time.Second

// RefreshQueue serializes token refreshes: at most one in-flight refresh
// per refresh token, with concurrent callers joining the existing
// operation. When a refresh rotates the token, callers who already hold
// the new token are routed to the in-flight entry for the old one.
type RefreshQueue struct {
	mu       sync.Mutex
	perform  TokenRefreshFunc
	inflight map[string]*refreshEntry
	// new refresh token -> original refresh token
	rotations *gocache.Cache
	maxAge    time.Duration
	now       func() time.Time

	started      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	rotated      atomic.Int64
	dedupedJoins atomic.Int64
}

func newRefreshQueue(perform TokenRefreshFunc) *RefreshQueue {
	return &RefreshQueue{
		perform:   perform,
		inflight:  map[string]*refreshEntry{},
		rotations: gocache.New(rotationTTL, rotationTTL),
		maxAge:    refreshMaxAge,
		now:       time.Now,
	}
}

func (q *RefreshQueue) Counters() RefreshCounters {
	return RefreshCounters{
		Started:      q.started.Load(),
		Succeeded:    q.succeeded.Load(),
		Failed:       q.failed.Load(),
		Rotated:      q.rotated.Load(),
		DedupedJoins: q.dedupedJoins.Load(),
	}
}

// Refresh is safe to call concurrently for the same token: the delegate
// runs once and every caller receives the same result. Delegate panics
// become failed network_error results, never a re-raise.
func (q *RefreshQueue) Refresh(ctx context.Context, refreshToken string) TokenResult {
	if refreshToken == "" {
		return tokenFailure(TokenFailMissingRefresh, 0, "no refresh token")
	}

	q.mu.Lock()
	q.evictStaleLocked()

	if e, ok := q.inflight[refreshToken]; ok {
		q.dedupedJoins.Add(1)
		q.mu.Unlock()
		return q.wait(ctx, e)
	}
	// The caller may hold a token that rotated from one still in flight;
	// join that refresh instead of starting a duplicate.
	if orig, ok := q.rotations.Get(refreshToken); ok {
		if e, ok := q.inflight[orig.(string)]; ok {
			q.dedupedJoins.Add(1)
			q.mu.Unlock()
			return q.wait(ctx, e)
		}
	}

	e := &refreshEntry{done: make(chan struct{}), started: q.now()}
	q.inflight[refreshToken] = e
	q.started.Add(1)
	q.mu.Unlock()

	e.result = q.run(ctx, refreshToken)

	q.mu.Lock()
	if cur, ok := q.inflight[refreshToken]; ok && cur == e {
		delete(q.inflight, refreshToken)
	}
	if e.result.Success && e.result.RefreshToken != "" && e.result.RefreshToken != refreshToken {
		q.rotations.Set(e.result.RefreshToken, refreshToken, rotationTTL)
		q.rotated.Add(1)
	}
	if e.result.Success {
		q.succeeded.Add(1)
	} else {
		q.failed.Add(1)
	}
	q.mu.Unlock()

	close(e.done)
	return e.result
}

func (q *RefreshQueue) run(ctx context.Context, refreshToken string) (res TokenResult) {
	defer func() {
		if r := recover(); r != nil {
			res = tokenFailure(TokenFailNetwork, 0, fmt.Sprintf("refresh delegate panicked: %v", r))
		}
	}()
	return q.perform(ctx, refreshToken)
}

func (q *RefreshQueue) wait(ctx context.Context, e *refreshEntry) TokenResult {
	select {
	case <-e.done:
		return e.result
	case <-ctx.Done():
		// The waiter's context ended, not the refresh; the delegate may
		// still succeed for everyone else.
		return tokenFailure(TokenFailCancelled, 0, "refresh wait cancelled: "+ctx.Err().Error())
	}
}

// evictStaleLocked drops entries whose delegate has been running past
// maxAge. Waiters already joined keep waiting on their own contexts; new
// callers get a fresh attempt.
func (q *RefreshQueue) evictStaleLocked() {
	cutoff := q.now().Add(-q.maxAge)
	for token, e := range q.inflight {
		if e.started.Before(cutoff) {
			delete(q.inflight, token)
		}
	}
}

// InFlight reports the number of currently running refreshes.
func (q *RefreshQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
