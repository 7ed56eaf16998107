package main

import (
	"encoding/json"
	"time"
)

// ModelFamily is a coarse bucket for rate-limit accounting. Each account
// keeps one reset time per family.
type ModelFamily string

const (
	FamilyCodex           ModelFamily = "codex"
	FamilyCodexMax        ModelFamily = "codex-max"
	FamilyGPT51           ModelFamily = "gpt-5.1"
	FamilyGPT52           ModelFamily = "gpt-5.2"
	FamilyGPT52Codex      ModelFamily = "gpt-5.2-codex"
	FamilyGPT53Codex      ModelFamily = "gpt-5.3-codex"
	FamilyGPT53CodexSpark ModelFamily = "gpt-5.3-codex-spark"
)

// knownFamilies is the closed enumeration the selector understands.
// Unknown families found in the store are preserved on round-trip but
// never selected against.
var knownFamilies = []ModelFamily{
	FamilyCodex,
	FamilyCodexMax,
	FamilyGPT51,
	FamilyGPT52,
	FamilyGPT52Codex,
	FamilyGPT53Codex,
	FamilyGPT53CodexSpark,
}

func isKnownFamily(f ModelFamily) bool {
	for _, k := range knownFamilies {
		if k == f {
			return true
		}
	}
	return false
}

// SwitchReason records why the dispatcher last moved to an account.
type SwitchReason string

const (
	SwitchReasonRateLimit SwitchReason = "rate-limit"
	SwitchReasonInitial   SwitchReason = "initial"
	SwitchReasonRotation  SwitchReason = "rotation"
)

// CooldownReason records why an account is temporarily excluded.
type CooldownReason string

const (
	CooldownAuthFailure  CooldownReason = "auth-failure"
	CooldownNetworkError CooldownReason = "network-error"
)

// Cooldown durations. Auth failures need operator attention, so the
// account sits out much longer than after a transient network error.
const (
	authFailureCooldown  = 30 * time.Minute
	networkErrorCooldown = 5 * time.Minute
)

func cooldownDuration(reason CooldownReason) time.Duration {
	if reason == CooldownAuthFailure {
		return authFailureCooldown
	}
	return networkErrorCooldown
}

// Account is one row in the pool. All timestamps are absolute Unix
// milliseconds; zero means unset. Accounts are plain data: concurrent
// access is serialized through the store's transaction gate, not a
// per-account mutex.
type Account struct {
	AccountID           string                `json:"account_id,omitempty"`
	RefreshToken        string                `json:"refresh_token"`
	AccessToken         string                `json:"access_token,omitempty"`
	ExpiresAt           int64                 `json:"expires_at,omitempty"`
	Email               string                `json:"email,omitempty"`
	Label               string                `json:"label,omitempty"`
	Enabled             bool                  `json:"enabled"`
	AddedAt             int64                 `json:"added_at,omitempty"`
	LastUsed            int64                 `json:"last_used,omitempty"`
	LastSwitchReason    SwitchReason          `json:"last_switch_reason,omitempty"`
	RateLimitResetTimes map[ModelFamily]int64 `json:"rate_limit_reset_times,omitempty"`
	CoolingDownUntil    int64                 `json:"cooling_down_until,omitempty"`
	CooldownReason      CooldownReason        `json:"cooldown_reason,omitempty"`

	// Fields we do not understand survive load/save untouched.
	extra map[string]json.RawMessage
}

// accountKey identifies an account for the volatile trackers. Accounts
// may lack an upstream account_id until the first refresh resolves one,
// so fall back to the refresh token.
func (a *Account) key() string {
	if a.AccountID != "" {
		return a.AccountID
	}
	return a.RefreshToken
}

func (a *Account) displayName() string {
	switch {
	case a.Label != "":
		return a.Label
	case a.Email != "":
		return a.Email
	case a.AccountID != "":
		return a.AccountID
	}
	return "account"
}

// UpdateResetTime advances the reset time for a family. Reset times only
// move forward; a stale or duplicate upstream signal never shortens an
// existing block.
func (a *Account) UpdateResetTime(f ModelFamily, resetMS int64) {
	if resetMS <= 0 {
		return
	}
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = map[ModelFamily]int64{}
	}
	if resetMS > a.RateLimitResetTimes[f] {
		a.RateLimitResetTimes[f] = resetMS
	}
}

// ClearResetTime removes the block for a family after a successful
// request proved the account usable again.
func (a *Account) ClearResetTime(f ModelFamily) {
	delete(a.RateLimitResetTimes, f)
}

// StartCooldown excludes the account from selection until the given time.
func (a *Account) StartCooldown(reason CooldownReason, until int64) {
	if until > a.CoolingDownUntil {
		a.CoolingDownUntil = until
		a.CooldownReason = reason
	}
}

// AvailableForFamily reports whether the account may serve a request for
// the family right now.
func (a *Account) AvailableForFamily(f ModelFamily, now time.Time) bool {
	if !a.Enabled {
		return false
	}
	nowMS := now.UnixMilli()
	if a.CoolingDownUntil > nowMS {
		return false
	}
	if reset, ok := a.RateLimitResetTimes[f]; ok && reset > nowMS {
		return false
	}
	return true
}

// blockedWait returns how long this account is blocked for the family,
// considering both the family reset and any cooldown. Zero when usable.
func (a *Account) blockedWait(f ModelFamily, now time.Time) time.Duration {
	nowMS := now.UnixMilli()
	var untilMS int64
	if reset, ok := a.RateLimitResetTimes[f]; ok && reset > untilMS {
		untilMS = reset
	}
	if a.CoolingDownUntil > untilMS {
		untilMS = a.CoolingDownUntil
	}
	if untilMS <= nowMS {
		return 0
	}
	return time.Duration(untilMS-nowMS) * time.Millisecond
}

// MinWaitForFamily returns the shortest time until some enabled account
// becomes available for the family. Used to size the sleep when every
// candidate is blocked. Zero when an account is usable now or the pool
// has no enabled accounts at all.
func MinWaitForFamily(accounts []*Account, f ModelFamily, now time.Time) time.Duration {
	var best time.Duration
	found := false
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		w := a.blockedWait(f, now)
		if w == 0 {
			return 0
		}
		if !found || w < best {
			best = w
			found = true
		}
	}
	if !found {
		return 0
	}
	return best
}

// accountJSON mirrors the known wire fields for custom (un)marshalling.
type accountJSON struct {
	AccountID           string                `json:"account_id,omitempty"`
	RefreshToken        string                `json:"refresh_token"`
	AccessToken         string                `json:"access_token,omitempty"`
	ExpiresAt           int64                 `json:"expires_at,omitempty"`
	Email               string                `json:"email,omitempty"`
	Label               string                `json:"label,omitempty"`
	Enabled             *bool                 `json:"enabled,omitempty"`
	AddedAt             int64                 `json:"added_at,omitempty"`
	LastUsed            int64                 `json:"last_used,omitempty"`
	LastSwitchReason    SwitchReason          `json:"last_switch_reason,omitempty"`
	RateLimitResetTimes map[ModelFamily]int64 `json:"rate_limit_reset_times,omitempty"`
	CoolingDownUntil    int64                 `json:"cooling_down_until,omitempty"`
	CooldownReason      CooldownReason        `json:"cooldown_reason,omitempty"`
}

var accountKnownKeys = map[string]bool{
	"account_id": true, "refresh_token": true, "access_token": true,
	"expires_at": true, "email": true, "label": true, "enabled": true,
	"added_at": true, "last_used": true, "last_switch_reason": true,
	"rate_limit_reset_times": true, "cooling_down_until": true,
	"cooldown_reason": true,
	// v1 field, consumed by migration.
	"rate_limit_reset_time": true,
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var known accountJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.AccountID = known.AccountID
	a.RefreshToken = known.RefreshToken
	a.AccessToken = known.AccessToken
	a.ExpiresAt = known.ExpiresAt
	a.Email = known.Email
	a.Label = known.Label
	a.Enabled = known.Enabled == nil || *known.Enabled
	a.AddedAt = known.AddedAt
	a.LastUsed = known.LastUsed
	a.LastSwitchReason = known.LastSwitchReason
	a.RateLimitResetTimes = known.RateLimitResetTimes
	a.CoolingDownUntil = known.CoolingDownUntil
	a.CooldownReason = known.CooldownReason
	a.extra = nil
	for k, v := range raw {
		if accountKnownKeys[k] {
			continue
		}
		if a.extra == nil {
			a.extra = map[string]json.RawMessage{}
		}
		a.extra[k] = v
	}
	return nil
}

func (a *Account) MarshalJSON() ([]byte, error) {
	enabled := a.Enabled
	known := accountJSON{
		AccountID:           a.AccountID,
		RefreshToken:        a.RefreshToken,
		AccessToken:         a.AccessToken,
		ExpiresAt:           a.ExpiresAt,
		Email:               a.Email,
		Label:               a.Label,
		Enabled:             &enabled,
		AddedAt:             a.AddedAt,
		LastUsed:            a.LastUsed,
		LastSwitchReason:    a.LastSwitchReason,
		RateLimitResetTimes: a.RateLimitResetTimes,
		CoolingDownUntil:    a.CoolingDownUntil,
		CooldownReason:      a.CooldownReason,
	}
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(a.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// clone returns a deep copy so readers outside the transaction gate never
// alias mutable maps.
func (a *Account) clone() *Account {
	cp := *a
	if a.RateLimitResetTimes != nil {
		cp.RateLimitResetTimes = make(map[ModelFamily]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			cp.RateLimitResetTimes[k] = v
		}
	}
	if a.extra != nil {
		cp.extra = make(map[string]json.RawMessage, len(a.extra))
		for k, v := range a.extra {
			cp.extra[k] = v
		}
	}
	return &cp
}
