package main

import (
	"time"
)

// SelectorConfig weights the candidate score.
type SelectorConfig struct {
	WeightHealth    float64
	WeightTokens    float64
	WeightFreshness float64
}

func defaultSelectorConfig() SelectorConfig {
	return SelectorConfig{WeightHealth: 2, WeightTokens: 5, WeightFreshness: 0.1}
}

// Selection is the outcome of one pick.
type Selection struct {
	Account *Account
	Index   int
	// Wait is the shortest time until some account unblocks, set only
	// when Account is nil.
	Wait time.Duration
}

// Selector chooses the next account for a model family from a snapshot,
// consulting the rate-limit ledger, health scores and token buckets.
type Selector struct {
	cfg    SelectorConfig
	health *HealthTracker
	bucket *TokenBucket
	now    func() time.Time
}

func newSelector(cfg SelectorConfig, health *HealthTracker, bucket *TokenBucket) *Selector {
	return &Selector{cfg: cfg, health: health, bucket: bucket, now: time.Now}
}

// SelectForFamily returns the best available account for the family, or
// a nil-account Selection carrying the shortest wait when every
// candidate is blocked. Excluded accounts (already tried this request)
// are skipped. Ties break toward the lowest index so selection is
// deterministic.
func (s *Selector) SelectForFamily(snap *StoreSnapshot, f ModelFamily, exclude map[string]bool) Selection {
	now := s.now()

	type candidate struct {
		acc   *Account
		index int
	}
	var candidates []candidate
	for i, a := range snap.Accounts {
		if exclude != nil && exclude[a.key()] {
			continue
		}
		if !a.AvailableForFamily(f, now) {
			continue
		}
		candidates = append(candidates, candidate{acc: a, index: i})
	}

	if len(candidates) == 0 {
		return Selection{Wait: MinWaitForFamily(snap.Accounts, f, now)}
	}
	if len(candidates) == 1 {
		return Selection{Account: candidates[0].acc, Index: candidates[0].index}
	}

	best := candidates[0]
	bestScore := s.score(best.acc, f, now)
	for _, c := range candidates[1:] {
		if sc := s.score(c.acc, f, now); sc > bestScore {
			best = c
			bestScore = sc
		}
	}
	return Selection{Account: best.acc, Index: best.index}
}

func (s *Selector) score(a *Account, f ModelFamily, now time.Time) float64 {
	key := a.key()
	health := s.health.Score(key, string(f))
	tokens := s.bucket.Tokens(key, string(f))
	idleHours := 0.0
	if a.LastUsed > 0 {
		idleHours = now.Sub(time.UnixMilli(a.LastUsed)).Hours()
		if idleHours < 0 {
			idleHours = 0
		}
	}
	return health*s.cfg.WeightHealth + tokens*s.cfg.WeightTokens + idleHours*s.cfg.WeightFreshness
}
