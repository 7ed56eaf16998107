package main

import (
	"sync"
	"time"
)

// defaultQuotaKey is used when the caller does not scope tracking to a
// model family.
const defaultQuotaKey = "default"

type trackerKey struct {
	accountID string
	quotaKey  string
}

func makeTrackerKey(accountID, quotaKey string) trackerKey {
	if quotaKey == "" {
		quotaKey = defaultQuotaKey
	}
	return trackerKey{accountID: accountID, quotaKey: quotaKey}
}

// HealthConfig tunes the per-account health score.
type HealthConfig struct {
	SuccessDelta    float64
	RateLimitDelta  float64
	FailureDelta    float64
	Min             float64
	Max             float64
	RecoveryPerHour float64
}

func defaultHealthConfig() HealthConfig {
	return HealthConfig{
		SuccessDelta:    1,
		RateLimitDelta:  2,
		FailureDelta:    3,
		Min:             0,
		Max:             10,
		RecoveryPerHour: 2,
	}
}

type healthEntry struct {
	score               float64
	lastUpdated         time.Time
	consecutiveFailures int
}

// HealthTracker scores accounts for selection. Scores start at max,
// drop on failures and rate limits, and passively recover with wall
// clock time. State is process-local.
type HealthTracker struct {
	mu      sync.Mutex
	cfg     HealthConfig
	entries map[trackerKey]*healthEntry
	now     func() time.Time
}

func newHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{cfg: cfg, entries: map[trackerKey]*healthEntry{}, now: time.Now}
}

func (t *HealthTracker) entryLocked(key trackerKey) *healthEntry {
	e, ok := t.entries[key]
	if !ok {
		e = &healthEntry{score: t.cfg.Max, lastUpdated: t.now()}
		t.entries[key] = e
	}
	return e
}

// recoverLocked applies passive recovery accrued since the last update.
func (t *HealthTracker) recoverLocked(e *healthEntry) {
	now := t.now()
	hours := now.Sub(e.lastUpdated).Hours()
	if hours <= 0 {
		return
	}
	e.score += hours * t.cfg.RecoveryPerHour
	if e.score > t.cfg.Max {
		e.score = t.cfg.Max
	}
	e.lastUpdated = now
}

// Score returns the current health in [Min, Max], recovery applied.
func (t *HealthTracker) Score(accountID, quotaKey string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(makeTrackerKey(accountID, quotaKey))
	t.recoverLocked(e)
	return e.score
}

func (t *HealthTracker) ConsecutiveFailures(accountID, quotaKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(makeTrackerKey(accountID, quotaKey)).consecutiveFailures
}

func (t *HealthTracker) RecordSuccess(accountID, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(makeTrackerKey(accountID, quotaKey))
	t.recoverLocked(e)
	e.score += t.cfg.SuccessDelta
	if e.score > t.cfg.Max {
		e.score = t.cfg.Max
	}
	e.consecutiveFailures = 0
	e.lastUpdated = t.now()
}

func (t *HealthTracker) RecordRateLimit(accountID, quotaKey string) {
	t.record(accountID, quotaKey, t.cfg.RateLimitDelta)
}

func (t *HealthTracker) RecordFailure(accountID, quotaKey string) {
	t.record(accountID, quotaKey, t.cfg.FailureDelta)
}

func (t *HealthTracker) record(accountID, quotaKey string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(makeTrackerKey(accountID, quotaKey))
	t.recoverLocked(e)
	e.score -= delta
	if e.score < t.cfg.Min {
		e.score = t.cfg.Min
	}
	e.consecutiveFailures++
	e.lastUpdated = t.now()
}

// BucketConfig tunes the per-account token buckets.
type BucketConfig struct {
	MaxTokens       float64
	RefillPerMinute float64
	DrainOnLimit    float64
}

func defaultBucketConfig() BucketConfig {
	return BucketConfig{MaxTokens: 20, RefillPerMinute: 4, DrainOnLimit: 10}
}

type bucketEntry struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket throttles how often an account can be picked. Buckets
// refill with wall clock time and are drained hard on a rate limit to
// discourage immediate retries against the same account.
type TokenBucket struct {
	mu      sync.Mutex
	cfg     BucketConfig
	entries map[trackerKey]*bucketEntry
	now     func() time.Time
}

func newTokenBucket(cfg BucketConfig) *TokenBucket {
	return &TokenBucket{cfg: cfg, entries: map[trackerKey]*bucketEntry{}, now: time.Now}
}

func (b *TokenBucket) entryLocked(key trackerKey) *bucketEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &bucketEntry{tokens: b.cfg.MaxTokens, lastRefill: b.now()}
		b.entries[key] = e
	}
	return e
}

func (b *TokenBucket) refillLocked(e *bucketEntry) {
	now := b.now()
	minutes := now.Sub(e.lastRefill).Minutes()
	if minutes <= 0 {
		return
	}
	e.tokens += minutes * b.cfg.RefillPerMinute
	if e.tokens > b.cfg.MaxTokens {
		e.tokens = b.cfg.MaxTokens
	}
	e.lastRefill = now
}

// TryConsume takes one token, reporting whether one was available.
func (b *TokenBucket) TryConsume(accountID, quotaKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(makeTrackerKey(accountID, quotaKey))
	b.refillLocked(e)
	if e.tokens < 1 {
		return false
	}
	e.tokens--
	return true
}

// Drain removes tokens without consuming a request slot, used after an
// upstream rate limit.
func (b *TokenBucket) Drain(accountID, quotaKey string, amount float64) {
	if amount <= 0 {
		amount = b.cfg.DrainOnLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(makeTrackerKey(accountID, quotaKey))
	b.refillLocked(e)
	e.tokens -= amount
	if e.tokens < 0 {
		e.tokens = 0
	}
}

// Tokens returns the current balance, refill applied.
func (b *TokenBucket) Tokens(accountID, quotaKey string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(makeTrackerKey(accountID, quotaKey))
	b.refillLocked(e)
	return e.tokens
}
