package main

import (
	"fmt"
	"time"
)

// RetryMode selects the vocabulary used in decision reasons. The two
// modes decide identically; legacy only exists so older log consumers
// keep seeing the strings they grep for.
type RetryMode string

const (
	RetryModeLegacy      RetryMode = "legacy"
	RetryModeRouteMatrix RetryMode = "route_matrix"
)

// BudgetClass partitions the per-request retry counters.
type BudgetClass string

const (
	BudgetAuthRefresh     BudgetClass = "authRefresh"
	BudgetNetwork         BudgetClass = "network"
	BudgetServer          BudgetClass = "server"
	BudgetRateLimitShort  BudgetClass = "rateLimitShort"
	BudgetRateLimitGlobal BudgetClass = "rateLimitGlobal"
	BudgetEmptyResponse   BudgetClass = "emptyResponse"
)

var budgetClasses = []BudgetClass{
	BudgetAuthRefresh, BudgetNetwork, BudgetServer,
	BudgetRateLimitShort, BudgetRateLimitGlobal, BudgetEmptyResponse,
}

func isBudgetClass(c BudgetClass) bool {
	for _, known := range budgetClasses {
		if c == known {
			return true
		}
	}
	return false
}

// BudgetProfile names one of the built-in limit sets.
type BudgetProfile string

const (
	ProfileConservative BudgetProfile = "conservative"
	ProfileBalanced     BudgetProfile = "balanced"
	ProfileAggressive   BudgetProfile = "aggressive"
)

var profileLimits = map[BudgetProfile]map[BudgetClass]int{
	ProfileConservative: {
		BudgetAuthRefresh: 1, BudgetNetwork: 1, BudgetServer: 1,
		BudgetRateLimitShort: 1, BudgetRateLimitGlobal: 1, BudgetEmptyResponse: 0,
	},
	ProfileBalanced: {
		BudgetAuthRefresh: 2, BudgetNetwork: 2, BudgetServer: 2,
		BudgetRateLimitShort: 2, BudgetRateLimitGlobal: 2, BudgetEmptyResponse: 1,
	},
	ProfileAggressive: {
		BudgetAuthRefresh: 3, BudgetNetwork: 4, BudgetServer: 3,
		BudgetRateLimitShort: 4, BudgetRateLimitGlobal: 3, BudgetEmptyResponse: 2,
	},
}

// RetryBudget tracks per-request retry counters per failure class.
// It is per-request state and needs no locking.
type RetryBudget struct {
	limits map[BudgetClass]int
	used   map[BudgetClass]int
}

// NewRetryBudget builds a budget from a profile with optional per-class
// overrides. Unknown classes and negative limits are rejected.
func NewRetryBudget(profile BudgetProfile, overrides map[string]int) (*RetryBudget, error) {
	base, ok := profileLimits[profile]
	if !ok {
		return nil, fmt.Errorf("unknown retry budget profile %q", profile)
	}
	limits := make(map[BudgetClass]int, len(base))
	for c, n := range base {
		limits[c] = n
	}
	for name, n := range overrides {
		class := BudgetClass(name)
		if _, ok := base[class]; !ok {
			return nil, fmt.Errorf("unknown retry budget class %q", name)
		}
		if n < 0 {
			return nil, fmt.Errorf("retry budget %s: limit must be non-negative, got %d", name, n)
		}
		limits[class] = n
	}
	return &RetryBudget{limits: limits, used: map[BudgetClass]int{}}, nil
}

// Consume takes one unit from the class, reporting false when it is
// exhausted. Callers must then escalate instead of retrying.
func (b *RetryBudget) Consume(class BudgetClass) bool {
	if b.used[class] >= b.limits[class] {
		return false
	}
	b.used[class]++
	return true
}

func (b *RetryBudget) Remaining(class BudgetClass) int {
	r := b.limits[class] - b.used[class]
	if r < 0 {
		return 0
	}
	return r
}

// RetryDecision is the policy verdict for one failure. Exactly one of
// the three booleans is set.
type RetryDecision struct {
	SameAccountRetry bool
	RotateAccount    bool
	FailFast         bool
	// Guided marks a same-account retry that should carry corrective
	// context back to the caller (tool routes).
	Guided bool
	Reason string
}

// RetryPolicy turns a failure route plus budgets into a decision.
type RetryPolicy struct {
	Mode                  RetryMode
	ShortRetryThreshold   time.Duration
	MaxSameAccountRetries int
	MaxGuidedRetries      int
}

func defaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Mode:                  RetryModeRouteMatrix,
		ShortRetryThreshold:   5 * time.Second,
		MaxSameAccountRetries: 2,
		MaxGuidedRetries:      2,
	}
}

// attemptState is what the dispatcher has already done this request.
type attemptState struct {
	sameAccountRetries int
	guidedRetries      int
}

// Decide applies the route matrix:
//
//	rate_limit        rotate; same-account when retry_after is short
//	server_error      rotate
//	network_error     same-account within budget, then rotate
//	tool_unavailable  guided same-account within budget, then fail fast
//	tool_argument     guided same-account within budget, then fail fast
//	approval_or_policy fail fast
//	other             fail fast
func (p *RetryPolicy) Decide(cls Classification, budget *RetryBudget, state attemptState) RetryDecision {
	switch cls.Route {
	case RouteRateLimit:
		if cls.RetryAfter > 0 && cls.RetryAfter <= p.ShortRetryThreshold && budget.Consume(BudgetRateLimitShort) {
			return p.decision(RetryDecision{SameAccountRetry: true}, "short rate limit, retrying in place", "rate-limit-short-wait")
		}
		if budget.Consume(BudgetRateLimitGlobal) {
			return p.decision(RetryDecision{RotateAccount: true}, "rate limited, rotating account", "rate-limit-rotate")
		}
		return p.decision(RetryDecision{FailFast: true}, "rate limit budget exhausted", "rate-limit-exhausted")

	case RouteServerError:
		if budget.Consume(BudgetServer) {
			return p.decision(RetryDecision{RotateAccount: true}, "server error, rotating account", "server-error-rotate")
		}
		return p.decision(RetryDecision{FailFast: true}, "server error budget exhausted", "server-error-exhausted")

	case RouteNetworkError:
		if state.sameAccountRetries < p.MaxSameAccountRetries && budget.Consume(BudgetNetwork) {
			return p.decision(RetryDecision{SameAccountRetry: true}, "transient network error, retrying in place", "network-retry")
		}
		return p.decision(RetryDecision{RotateAccount: true}, "network error retries spent, rotating account", "network-rotate")

	case RouteToolUnavailable, RouteToolArgument:
		if state.guidedRetries < p.MaxGuidedRetries {
			return p.decision(RetryDecision{SameAccountRetry: true, Guided: true}, "tool failure, guided retry", "tool-guided-retry")
		}
		return p.decision(RetryDecision{FailFast: true}, "tool failure, guided retries spent", "tool-exhausted")

	case RouteApprovalOrPolicy:
		return p.decision(RetryDecision{FailFast: true}, "approval or policy rejection", "policy-fail-fast")
	}
	return p.decision(RetryDecision{FailFast: true}, "unclassified failure", "other-fail-fast")
}

// decision fills in the mode-appropriate reason string. Legacy mode uses
// the older hyphenated labels; behavior is identical.
func (p *RetryPolicy) decision(d RetryDecision, matrixReason, legacyReason string) RetryDecision {
	if p.Mode == RetryModeLegacy {
		d.Reason = legacyReason
	} else {
		d.Reason = matrixReason
	}
	return d
}
