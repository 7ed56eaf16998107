package main

import (
	"sync"
	"time"
)

type recentError struct {
	At      time.Time `json:"at"`
	Route   string    `json:"route"`
	Account string    `json:"account,omitempty"`
	Message string    `json:"message"`
}

// recentErrors keeps a newest-first ring of failures for the admin
// surface. Rate-limit notices for the same account are debounced so a
// burst of 429s produces one entry, not one per attempt.
type recentErrors struct {
	mu       sync.Mutex
	max      int
	debounce time.Duration
	lastSeen map[string]time.Time
	list     []recentError
	now      func() time.Time
}

func newRecentErrors(max int, debounce time.Duration) *recentErrors {
	return &recentErrors{
		max:      max,
		debounce: debounce,
		lastSeen: map[string]time.Time{},
		now:      time.Now,
	}
}

func (r *recentErrors) add(route FailureRoute, account, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if route == RouteRateLimit && r.debounce > 0 {
		key := string(route) + "|" + account
		if last, ok := r.lastSeen[key]; ok && now.Sub(last) < r.debounce {
			return
		}
		r.lastSeen[key] = now
	}
	entry := recentError{At: now, Route: string(route), Account: account, Message: msg}
	r.list = append([]recentError{entry}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []recentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recentError, len(r.list))
	copy(out, r.list)
	return out
}
