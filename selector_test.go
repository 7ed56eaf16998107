package main

import (
	"testing"
	"time"
)

func selectorFixture() (*Selector, *HealthTracker, *TokenBucket) {
	h := newHealthTracker(defaultHealthConfig())
	b := newTokenBucket(defaultBucketConfig())
	return newSelector(defaultSelectorConfig(), h, b), h, b
}

func poolSnapshot(accounts ...*Account) *StoreSnapshot {
	snap := emptySnapshot()
	snap.Accounts = accounts
	return snap
}

func TestSelectSkipsExcludedAndBlocked(t *testing.T) {
	s, _, _ := selectorFixture()
	now := time.Now().UnixMilli()

	limited := &Account{AccountID: "limited", RefreshToken: "a", Enabled: true}
	limited.UpdateResetTime(FamilyCodex, now+60_000)
	excluded := &Account{AccountID: "excluded", RefreshToken: "b", Enabled: true}
	ok := &Account{AccountID: "ok", RefreshToken: "c", Enabled: true}

	sel := s.SelectForFamily(poolSnapshot(limited, excluded, ok), FamilyCodex, map[string]bool{"excluded": true})
	if sel.Account == nil || sel.Account.AccountID != "ok" {
		t.Fatalf("expected ok selected, got %+v", sel.Account)
	}
	if sel.Index != 2 {
		t.Fatalf("expected index 2, got %d", sel.Index)
	}
}

func TestSelectAllBlockedReturnsShortestWait(t *testing.T) {
	s, _, _ := selectorFixture()
	now := time.Now().UnixMilli()

	a := &Account{AccountID: "a", RefreshToken: "a", Enabled: true}
	a.UpdateResetTime(FamilyCodex, now+30_000)
	b := &Account{AccountID: "b", RefreshToken: "b", Enabled: true}
	b.UpdateResetTime(FamilyCodex, now+10_000)

	sel := s.SelectForFamily(poolSnapshot(a, b), FamilyCodex, nil)
	if sel.Account != nil {
		t.Fatalf("expected no account, got %s", sel.Account.AccountID)
	}
	if sel.Wait <= 0 || sel.Wait > 10*time.Second {
		t.Fatalf("expected wait near 10s, got %v", sel.Wait)
	}
}

func TestSelectExcludedOnlyCandidateYieldsNoWaitLoop(t *testing.T) {
	s, _, _ := selectorFixture()
	only := &Account{AccountID: "only", RefreshToken: "a", Enabled: true}

	sel := s.SelectForFamily(poolSnapshot(only), FamilyCodex, map[string]bool{"only": true})
	if sel.Account != nil {
		t.Fatalf("expected no account when sole candidate excluded")
	}
	// The excluded account is usable, so the pool-level wait is zero and
	// the caller fails over instead of sleeping.
	if sel.Wait != 0 {
		t.Fatalf("expected zero wait, got %v", sel.Wait)
	}
}

func TestSelectPrefersHealthierAccount(t *testing.T) {
	s, h, _ := selectorFixture()

	bad := &Account{AccountID: "bad", RefreshToken: "a", Enabled: true}
	good := &Account{AccountID: "good", RefreshToken: "b", Enabled: true}
	for i := 0; i < 5; i++ {
		h.RecordFailure("bad", string(FamilyCodex))
	}

	sel := s.SelectForFamily(poolSnapshot(bad, good), FamilyCodex, nil)
	if sel.Account == nil || sel.Account.AccountID != "good" {
		t.Fatalf("expected healthier account, got %+v", sel.Account)
	}
}

func TestSelectPrefersDrainedBucketLast(t *testing.T) {
	s, _, b := selectorFixture()

	drained := &Account{AccountID: "drained", RefreshToken: "a", Enabled: true}
	fresh := &Account{AccountID: "fresh", RefreshToken: "b", Enabled: true}
	b.Drain("drained", string(FamilyCodex), 0)

	sel := s.SelectForFamily(poolSnapshot(drained, fresh), FamilyCodex, nil)
	if sel.Account == nil || sel.Account.AccountID != "fresh" {
		t.Fatalf("expected account with tokens, got %+v", sel.Account)
	}
}

func TestSelectTieBreaksTowardLowestIndex(t *testing.T) {
	s, _, _ := selectorFixture()
	a := &Account{AccountID: "a", RefreshToken: "a", Enabled: true}
	b := &Account{AccountID: "b", RefreshToken: "b", Enabled: true}

	sel := s.SelectForFamily(poolSnapshot(a, b), FamilyCodex, nil)
	if sel.Account == nil || sel.Index != 0 {
		t.Fatalf("expected deterministic lowest-index pick, got index %d", sel.Index)
	}
}
