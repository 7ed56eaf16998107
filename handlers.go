package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var errDuplicateAccount = errors.New("account already present")

// muxServer is the HTTP surface: admin and health endpoints plus the
// dispatch path for responses calls.
type muxServer struct {
	cfg        *Config
	store      *AccountStore
	dispatcher *dispatcher
	health     *HealthTracker
	bucket     *TokenBucket
	breaker    *CircuitBreaker
	queue      *RefreshQueue
	metrics    *metrics
	recent     *recentErrors
	audit      *auditLog
	startTime  time.Time
}

// adminAuthorized gates the /admin endpoints. With no token configured
// the endpoints stay open, which is fine for the loopback default.
func (s *muxServer) adminAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}
	got := r.Header.Get("X-Admin-Token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) == 1 {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *muxServer) serveHealth(w http.ResponseWriter) {
	snap := s.store.Snapshot()
	enabled := 0
	for _, a := range snap.Accounts {
		if a.Enabled {
			enabled++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, map[string]any{
		"ok":               true,
		"uptime_seconds":   int(time.Since(s.startTime).Seconds()),
		"accounts":         len(snap.Accounts),
		"enabled_accounts": enabled,
		"inflight":         atomic.LoadInt64(&s.dispatcher.inflight),
		"refresh":          s.queue.Counters(),
		"recent_errors":    s.recent.snapshot(),
	})
}

func (s *muxServer) serveAccounts(w http.ResponseWriter) {
	type row struct {
		Name             string                `json:"name"`
		AccountID        string                `json:"account_id,omitempty"`
		Email            string                `json:"email,omitempty"`
		Label            string                `json:"label,omitempty"`
		Enabled          bool                  `json:"enabled"`
		Active           bool                  `json:"active"`
		ExpiresAt        int64                 `json:"expires_at,omitempty"`
		LastUsed         int64                 `json:"last_used,omitempty"`
		LastSwitchReason SwitchReason          `json:"last_switch_reason,omitempty"`
		CoolingDownUntil int64                 `json:"cooling_down_until,omitempty"`
		CooldownReason   CooldownReason        `json:"cooldown_reason,omitempty"`
		RateLimitResets  map[ModelFamily]int64 `json:"rate_limit_reset_times,omitempty"`
		HealthScore      float64               `json:"health_score"`
		BucketTokens     float64               `json:"bucket_tokens"`
		BreakerState     string                `json:"breaker_state"`
		BreakerFailures  int                   `json:"breaker_failures"`
		Requests         AccountTally          `json:"requests"`
	}
	snap := s.store.Snapshot()
	out := make([]row, 0, len(snap.Accounts))
	for i, a := range snap.Accounts {
		key := a.key()
		tally, err := s.audit.tally(key)
		if err != nil {
			log.Printf("account tally %s: %v", a.displayName(), err)
		}
		out = append(out, row{
			Name:             a.displayName(),
			AccountID:        a.AccountID,
			Email:            a.Email,
			Label:            a.Label,
			Enabled:          a.Enabled,
			Active:           i == snap.ActiveIndex,
			ExpiresAt:        a.ExpiresAt,
			LastUsed:         a.LastUsed,
			LastSwitchReason: a.LastSwitchReason,
			CoolingDownUntil: a.CoolingDownUntil,
			CooldownReason:   a.CooldownReason,
			RateLimitResets:  a.RateLimitResetTimes,
			HealthScore:      s.health.Score(key, defaultQuotaKey),
			BucketTokens:     s.bucket.Tokens(key, defaultQuotaKey),
			BreakerState:     s.breaker.State(key).String(),
			BreakerFailures:  s.breaker.FailureCount(key),
			Requests:         tally,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, out)
}

func (s *muxServer) reloadAccounts(w http.ResponseWriter) {
	snap, err := s.store.Load()
	if err != nil {
		log.Printf("reload accounts: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("reloaded %d accounts", len(snap.Accounts))
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, map[string]any{"ok": true, "accounts": len(snap.Accounts)})
}

// addAccount validates the submitted refresh token against the OAuth
// endpoint before persisting, so a typo does not poison the pool.
func (s *muxServer) addAccount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
		Label        string `json:"label"`
		Email        string `json:"email"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		http.Error(w, "refresh_token required", http.StatusBadRequest)
		return
	}

	res := s.queue.Refresh(r.Context(), req.RefreshToken)
	if !res.Success {
		log.Printf("add account: refresh rejected: %s %s", res.Reason, safeText([]byte(res.Message)))
		http.Error(w, "refresh token rejected: "+string(res.Reason), http.StatusBadRequest)
		return
	}

	acc := &Account{
		RefreshToken: req.RefreshToken,
		Label:        req.Label,
		Email:        req.Email,
		Enabled:      true,
		AddedAt:      time.Now().UnixMilli(),
	}
	applyTokenResult(acc, res)
	err = s.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		for _, existing := range snap.Accounts {
			if existing.key() == acc.key() {
				return errDuplicateAccount
			}
		}
		snap.Accounts = append(snap.Accounts, acc)
		return persist()
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	log.Printf("added account %s", acc.displayName())
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, map[string]any{"ok": true, "account_id": acc.AccountID})
}

// serveAccountAction handles /admin/accounts/:id and
// /admin/accounts/:id/{enable,disable,reset}.
func (s *muxServer) serveAccountAction(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodDelete && action == "" {
		s.mutateAccount(w, id, func(snap *StoreSnapshot, i int) {
			snap.Accounts = append(snap.Accounts[:i], snap.Accounts[i+1:]...)
			if snap.ActiveIndex >= len(snap.Accounts) {
				snap.ActiveIndex = 0
			}
			for f, idx := range snap.ActiveIndexByFamily {
				if idx == i {
					delete(snap.ActiveIndexByFamily, f)
				} else if idx > i {
					snap.ActiveIndexByFamily[f] = idx - 1
				}
			}
		})
		return
	}

	switch action {
	case "enable":
		s.mutateAccount(w, id, func(snap *StoreSnapshot, i int) {
			snap.Accounts[i].Enabled = true
		})
	case "disable":
		s.mutateAccount(w, id, func(snap *StoreSnapshot, i int) {
			snap.Accounts[i].Enabled = false
		})
	case "reset":
		s.mutateAccount(w, id, func(snap *StoreSnapshot, i int) {
			a := snap.Accounts[i]
			a.CoolingDownUntil = 0
			a.CooldownReason = ""
			a.RateLimitResetTimes = nil
			s.breaker.Reset(a.key())
		})
	default:
		http.NotFound(w, r)
	}
}

// mutateAccount runs fn against the account matching id (account_id,
// label, or email) inside a store transaction.
func (s *muxServer) mutateAccount(w http.ResponseWriter, id string, fn func(snap *StoreSnapshot, i int)) {
	found := false
	err := s.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		for i, a := range snap.Accounts {
			if a.AccountID == id || a.Label == id || a.Email == id {
				found = true
				fn(snap, i)
				return persist()
			}
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, map[string]any{"ok": true})
}
