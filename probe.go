package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// prober issues lightweight upstream calls per account to discover
// rate-limit state before real traffic hits it. Results feed Health and
// the reset ledger only; probe outcomes never move the active index.
type prober struct {
	store    *AccountStore
	health   *HealthTracker
	client   *http.Client
	url      string
	limit    int
	interval time.Duration
	debug    bool
}

func newProber(store *AccountStore, health *HealthTracker, transport http.RoundTripper, url string, limit int) *prober {
	if limit < 1 {
		limit = 1
	}
	if limit > 5 {
		limit = 5
	}
	return &prober{
		store:    store,
		health:   health,
		client:   &http.Client{Transport: transport, Timeout: 15 * time.Second},
		url:      url,
		limit:    limit,
		interval: 10 * time.Minute,
	}
}

func (p *prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *prober) probeAll(ctx context.Context) {
	snap := p.store.Snapshot()
	now := time.Now()

	type probeResult struct {
		key    string
		family ModelFamily
		cls    *Classification
	}
	var results []probeResult
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	ch := make(chan probeResult, len(snap.Accounts))
	for _, a := range snap.Accounts {
		if !a.Enabled || a.AccessToken == "" || !a.AvailableForFamily(FamilyCodex, now) {
			continue
		}
		g.Go(func() error {
			if cls := p.probeOne(gctx, a); cls != nil {
				ch <- probeResult{key: a.key(), family: FamilyCodex, cls: cls}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(ch)
	for r := range ch {
		results = append(results, r)
	}
	if len(results) == 0 {
		return
	}

	err := p.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		changed := false
		for _, r := range results {
			if r.cls.Route != RouteRateLimit || r.cls.ResetAtMS == 0 {
				continue
			}
			for _, a := range snap.Accounts {
				if a.key() == r.key {
					before := a.RateLimitResetTimes[r.family]
					a.UpdateResetTime(r.family, r.cls.ResetAtMS)
					if a.RateLimitResetTimes[r.family] != before {
						changed = true
					}
					break
				}
			}
		}
		if !changed {
			return nil
		}
		return persist()
	})
	if err != nil {
		log.Printf("[probe] persist failed: %v", err)
	}
}

// probeOne makes one authenticated HEAD-weight request and classifies
// the outcome. nil means the probe itself failed to run.
func (p *prober) probeOne(ctx context.Context, a *Account) *Classification {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+a.AccessToken)
	if a.AccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", a.AccountID)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		cls := ClassifyNetworkError(err)
		p.health.RecordFailure(a.key(), defaultQuotaKey)
		return &cls
	}
	defer resp.Body.Close()

	body := make([]byte, 0)
	if resp.StatusCode >= 400 {
		buf := make([]byte, 8*1024)
		n, _ := resp.Body.Read(buf)
		body = buf[:n]
	}
	cls := ClassifyResponse(resp.StatusCode, resp.Header, body)
	switch cls.Route {
	case RouteRateLimit:
		p.health.RecordRateLimit(a.key(), defaultQuotaKey)
	case RouteOther:
		if resp.StatusCode < 400 {
			p.health.RecordSuccess(a.key(), defaultQuotaKey)
		} else {
			p.health.RecordFailure(a.key(), defaultQuotaKey)
		}
	default:
		p.health.RecordFailure(a.key(), defaultQuotaKey)
	}
	if p.debug {
		log.Printf("[probe] %s -> %d (%s)", a.displayName(), resp.StatusCode, cls.Route)
	}
	return &cls
}
