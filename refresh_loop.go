package main

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// refreshLoop proactively renews access tokens before they expire so
// the dispatch path rarely has to refresh inline. Both paths funnel
// through the same RefreshQueue, so they can never double-call the
// token endpoint for one account.
type refreshLoop struct {
	store    *AccountStore
	queue    *RefreshQueue
	skew     time.Duration
	interval time.Duration
	debug    bool
}

func newRefreshLoop(store *AccountStore, queue *RefreshQueue, skew time.Duration) *refreshLoop {
	if skew < 30*time.Second {
		skew = 30 * time.Second
	}
	return &refreshLoop{
		store:    store,
		queue:    queue,
		skew:     skew,
		interval: time.Minute,
	}
}

func (l *refreshLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

// sweep refreshes every enabled account whose token expires within the
// skew window. Refreshes run concurrently but bounded; results are
// applied in one store transaction at the end.
func (l *refreshLoop) sweep(ctx context.Context) {
	snap := l.store.Snapshot()
	now := time.Now().UnixMilli()

	type result struct {
		key string
		res TokenResult
	}
	var due []*Account
	for _, a := range snap.Accounts {
		if !a.Enabled || a.CoolingDownUntil > now {
			continue
		}
		if a.RefreshToken == "" {
			continue // nothing to renew with
		}
		if a.ExpiresAt == 0 || a.ExpiresAt-now > l.skew.Milliseconds() {
			continue
		}
		due = append(due, a)
	}
	if len(due) == 0 {
		return
	}

	results := make([]result, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, a := range due {
		g.Go(func() error {
			results[i] = result{key: a.key(), res: l.queue.Refresh(gctx, a.RefreshToken)}
			return nil
		})
	}
	_ = g.Wait()

	err := l.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		changed := false
		for _, r := range results {
			for _, a := range snap.Accounts {
				if a.key() != r.key {
					continue
				}
				if applyTokenResult(a, r.res) {
					changed = true
				}
				break
			}
		}
		if !changed {
			return nil
		}
		return persist()
	})
	if err != nil {
		log.Printf("[refresh-loop] persist failed: %v", err)
	}
	if l.debug {
		log.Printf("[refresh-loop] swept %d accounts", len(due))
	}
}

// applyTokenResult folds a refresh outcome into an account, reporting
// whether anything changed. Auth rejections start the long cooldown;
// transient failures the short one.
func applyTokenResult(a *Account, res TokenResult) bool {
	now := time.Now().UnixMilli()
	if res.Success {
		a.AccessToken = res.AccessToken
		if res.RefreshToken != "" && res.RefreshToken != a.RefreshToken {
			a.RefreshToken = res.RefreshToken
		}
		if res.ExpiresAt > 0 {
			a.ExpiresAt = res.ExpiresAt
		}
		if a.AccountID == "" && res.IDToken != "" {
			if id := accountIDFromIDToken(res.IDToken); id != "" {
				a.AccountID = id
			}
		}
		a.CoolingDownUntil = 0
		a.CooldownReason = ""
		return true
	}
	switch {
	case res.Reason == TokenFailHTTP && (res.StatusCode == 400 || res.StatusCode == 401):
		a.StartCooldown(CooldownAuthFailure, now+cooldownDuration(CooldownAuthFailure).Milliseconds())
	case res.Reason == TokenFailMissingRefresh:
		// Permanent until the operator re-authenticates; no cooldown
		// churn.
		return false
	case res.Reason == TokenFailCancelled:
		// A waiter giving up says nothing about the account.
		return false
	default:
		a.StartCooldown(CooldownNetworkError, now+cooldownDuration(CooldownNetworkError).Milliseconds())
	}
	return true
}
