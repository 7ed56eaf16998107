package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestProbeAllRecordsResetTimes(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Minute).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer at-limited":
			w.Header().Set(resetAtHeader, strconv.FormatInt(resetAt, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"rate_limit_exceeded"}}`)
		default:
			io.WriteString(w, `{"plan":"plus"}`)
		}
	}))
	defer srv.Close()

	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err := store.Save(&StoreSnapshot{
		Accounts: []*Account{
			poolAccount("limited", "at-limited"),
			poolAccount("healthy", "at-healthy"),
		},
		ActiveIndexByFamily: map[ModelFamily]int{},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	health := newHealthTracker(defaultHealthConfig())
	p := newProber(store, health, http.DefaultTransport, srv.URL, 2)
	p.probeAll(context.Background())

	snap := store.Snapshot()
	if got := snap.Accounts[0].RateLimitResetTimes[FamilyCodex]; got != resetAt*1000 {
		t.Fatalf("expected reset persisted for limited account, got %d want %d", got, resetAt*1000)
	}
	if len(snap.Accounts[1].RateLimitResetTimes) != 0 {
		t.Fatalf("expected healthy account untouched, got %v", snap.Accounts[1].RateLimitResetTimes)
	}
	if snap.ActiveIndex != 0 {
		t.Fatalf("probes must not move the active index, got %d", snap.ActiveIndex)
	}
	if health.Score("limited", defaultQuotaKey) >= health.Score("healthy", defaultQuotaKey) {
		t.Fatalf("expected limited account scored lower: %v vs %v",
			health.Score("limited", defaultQuotaKey), health.Score("healthy", defaultQuotaKey))
	}
}

func TestProbeAllSkipsBlockedAccounts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	disabled := poolAccount("off", "at-off")
	disabled.Enabled = false
	noToken := poolAccount("pending", "")
	blocked := poolAccount("blocked", "at-blocked")
	blocked.RateLimitResetTimes = map[ModelFamily]int64{
		FamilyCodex: time.Now().Add(time.Hour).UnixMilli(),
	}
	ok := poolAccount("ok", "at-ok")

	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err := store.Save(&StoreSnapshot{
		Accounts:            []*Account{disabled, noToken, blocked, ok},
		ActiveIndexByFamily: map[ModelFamily]int{},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	p := newProber(store, newHealthTracker(defaultHealthConfig()), http.DefaultTransport, srv.URL, 1)
	p.probeAll(context.Background())

	if calls != 1 {
		t.Fatalf("expected only the eligible account probed, got %d calls", calls)
	}
}

func TestNewProberClampsConcurrency(t *testing.T) {
	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))
	h := newHealthTracker(defaultHealthConfig())
	if p := newProber(store, h, http.DefaultTransport, "http://unused", 0); p.limit != 1 {
		t.Fatalf("expected floor of 1, got %d", p.limit)
	}
	if p := newProber(store, h, http.DefaultTransport, "http://unused", 9); p.limit != 5 {
		t.Fatalf("expected cap of 5, got %d", p.limit)
	}
}

func TestRecentErrorsRing(t *testing.T) {
	r := newRecentErrors(3, 0)
	for i := 0; i < 5; i++ {
		r.add(RouteServerError, "a", "err "+strconv.Itoa(i))
	}
	snap := r.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(snap))
	}
	if snap[0].Message != "err 4" || snap[2].Message != "err 2" {
		t.Fatalf("expected newest first, got %+v", snap)
	}
	snap[0].Message = "mutated"
	if r.snapshot()[0].Message != "err 4" {
		t.Fatalf("expected snapshot to be a copy")
	}
}

func TestRecentErrorsDebouncesRateLimitBursts(t *testing.T) {
	r := newRecentErrors(10, 5*time.Second)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	r.add(RouteRateLimit, "a", "429")
	r.add(RouteRateLimit, "a", "429 again")
	r.add(RouteRateLimit, "b", "429")
	r.add(RouteServerError, "a", "500")
	if got := len(r.snapshot()); got != 3 {
		t.Fatalf("expected burst collapsed to one entry per account, got %d", got)
	}

	clock = clock.Add(6 * time.Second)
	r.add(RouteRateLimit, "a", "429 later")
	if got := len(r.snapshot()); got != 4 {
		t.Fatalf("expected entry allowed after the window, got %d", got)
	}
}
