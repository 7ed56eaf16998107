package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefreshRunsDelegateOncePerToken(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	q := newRefreshQueue(func(ctx context.Context, token string) TokenResult {
		atomic.AddInt64(&calls, 1)
		<-release
		return TokenResult{Success: true, AccessToken: "at", RefreshToken: token}
	})

	const n = 8
	var wg sync.WaitGroup
	results := make([]TokenResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Refresh(context.Background(), "rt")
		}(i)
	}

	// Hold the delegate until every other caller has joined it.
	for q.Counters().DedupedJoins < n-1 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected delegate to run once, ran %d times", got)
	}
	for i, r := range results {
		if !r.Success || r.AccessToken != "at" {
			t.Fatalf("caller %d got %+v", i, r)
		}
	}
	c := q.Counters()
	if c.Started != 1 || c.DedupedJoins != n-1 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestRefreshEmptyTokenFails(t *testing.T) {
	q := newRefreshQueue(func(ctx context.Context, token string) TokenResult {
		t.Fatalf("delegate must not run for empty token")
		return TokenResult{}
	})
	res := q.Refresh(context.Background(), "")
	if res.Success || res.Reason != TokenFailMissingRefresh {
		t.Fatalf("expected missing_refresh failure, got %+v", res)
	}
}

func TestRefreshRotationJoinsInFlight(t *testing.T) {
	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})
	q := newRefreshQueue(func(ctx context.Context, token string) TokenResult {
		atomic.AddInt64(&calls, 1)
		close(started)
		<-release
		return TokenResult{Success: true, AccessToken: "at", RefreshToken: "rt-new"}
	})

	// Pretend a previous refresh already announced the rotation.
	q.rotations.Set("rt-new", "rt-old", rotationTTL)

	done := make(chan TokenResult, 1)
	go func() { done <- q.Refresh(context.Background(), "rt-old") }()
	<-started

	// A caller holding the rotated token joins the old token's refresh.
	joined := make(chan TokenResult, 1)
	go func() { joined <- q.Refresh(context.Background(), "rt-new") }()

	for q.Counters().DedupedJoins < 1 {
		time.Sleep(time.Millisecond)
	}
	close(release)

	first := <-done
	second := <-joined
	if !first.Success || !second.Success {
		t.Fatalf("expected both to succeed: %+v / %+v", first, second)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected one delegate call, got %d", got)
	}
}

func TestRefreshWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	q := newRefreshQueue(func(ctx context.Context, token string) TokenResult {
		<-release
		return TokenResult{Success: true}
	})

	go q.Refresh(context.Background(), "rt")
	for q.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := q.Refresh(ctx, "rt")
	if res.Success || res.Reason != TokenFailCancelled {
		t.Fatalf("expected cancelled join to report cancellation, got %+v", res)
	}
}

func TestRefreshDelegatePanicBecomesFailure(t *testing.T) {
	q := newRefreshQueue(func(ctx context.Context, token string) TokenResult {
		panic("boom")
	})
	res := q.Refresh(context.Background(), "rt")
	if res.Success || res.Reason != TokenFailNetwork {
		t.Fatalf("expected panic mapped to network failure, got %+v", res)
	}
	if q.InFlight() != 0 {
		t.Fatalf("expected no stuck in-flight entries")
	}
}

func TestRefreshEvictsStaleEntries(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	var calls int64
	q := newRefreshQueue(func(ctx context.Context, token string) TokenResult {
		if atomic.AddInt64(&calls, 1) == 1 {
			<-block
		}
		return TokenResult{Success: true, AccessToken: "at"}
	})

	clock := time.Now()
	q.now = func() time.Time { return clock }

	go q.Refresh(context.Background(), "rt")
	for q.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Past maxAge the abandoned delegate no longer blocks new callers.
	clock = clock.Add(refreshMaxAge + time.Second)
	res := q.Refresh(context.Background(), "rt")
	if !res.Success {
		t.Fatalf("expected fresh attempt after eviction, got %+v", res)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected second delegate run, got %d", got)
	}
}
