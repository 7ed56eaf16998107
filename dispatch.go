package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// rateLimitDedupTTL suppresses duplicate ledger writes when several
// concurrent requests hit the same 429 for one (account, family).
const rateLimitDedupTTL = 2 * time.Second

// backoffQuietReset clears the consecutive-failure counter after a
// quiet stretch so old trouble does not slow down fresh traffic.
const backoffQuietReset = 120 * time.Second

const maxDispatchIterations = 16

// dispatcher multiplexes one logical client request across the account
// pool: select, refresh, call upstream, classify, then retry, rotate,
// or fail according to policy.
type dispatcher struct {
	cfg      *Config
	store    *AccountStore
	selector *Selector
	health   *HealthTracker
	bucket   *TokenBucket
	breaker  *CircuitBreaker
	queue    *RefreshQueue
	policy   *RetryPolicy
	metrics  *metrics
	recent   *recentErrors
	audit    *auditLog
	client   *http.Client

	rateLimitSeen *gocache.Cache

	inflight int64

	backoffMu     sync.Mutex
	failureStreak int
	lastFailure   time.Time
}

func newDispatcher(cfg *Config, store *AccountStore, health *HealthTracker, bucket *TokenBucket, breaker *CircuitBreaker, queue *RefreshQueue, m *metrics, recent *recentErrors, audit *auditLog, transport http.RoundTripper) *dispatcher {
	return &dispatcher{
		cfg:      cfg,
		store:    store,
		selector: newSelector(defaultSelectorConfig(), health, bucket),
		health:   health,
		bucket:   bucket,
		breaker:  breaker,
		queue:    queue,
		policy:   retryPolicyFromConfig(cfg),
		metrics:  m,
		recent:   recent,
		audit:    audit,
		client:   &http.Client{Transport: transport},

		rateLimitSeen: gocache.New(rateLimitDedupTTL, time.Minute),
	}
}

func retryPolicyFromConfig(cfg *Config) *RetryPolicy {
	p := defaultRetryPolicy()
	p.Mode = cfg.RetryMode
	return p
}

type dispatchError struct {
	Status  int
	Type    string
	Code    string
	Message string
	Header  http.Header
}

func (e *dispatchError) write(w http.ResponseWriter) {
	for k, vv := range e.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
			"code":    e.Code,
		},
	})
	w.Write(body)
}

func (d *dispatcher) serveResponses(w http.ResponseWriter, r *http.Request, reqID string) {
	start := time.Now()
	atomic.AddInt64(&d.inflight, 1)
	defer atomic.AddInt64(&d.inflight, -1)

	body, _, err := readBodyForReplay(r.Body, false, 0)
	if err != nil {
		(&dispatchError{Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "bad_body", Message: err.Error()}).write(w)
		return
	}

	requestedModel := gjson.GetBytes(body, "model").String()
	model, family, ok := resolveModel(requestedModel, d.cfg.ModelFallbacks)
	if !ok {
		(&dispatchError{
			Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "unknown_model",
			Message: fmt.Sprintf("unknown model %q", requestedModel),
		}).write(w)
		return
	}
	if model != requestedModel {
		if rewritten, err := sjson.SetBytes(body, "model", model); err == nil {
			body = rewritten
		}
	}

	budget, err := NewRetryBudget(d.cfg.RetryBudgetProfile, d.cfg.RetryBudgetOverrides)
	if err != nil {
		// Config validation already screened these; treat as internal.
		(&dispatchError{Status: http.StatusInternalServerError, Type: "internal_error", Code: "retry_budget", Message: err.Error()}).write(w)
		return
	}

	clientWantsStream := strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")

	if d.cfg.Debug {
		log.Printf("[%s] incoming %s model=%s family=%s stream=%v body_bytes=%d",
			reqID, r.Method, model, family, clientWantsStream, len(body))
	}

	st := &dispatchState{
		reqID:    reqID,
		start:    start,
		family:   family,
		model:    model,
		body:     body,
		stream:   clientWantsStream,
		budget:   budget,
		exclude:  map[string]bool{},
		header:   r.Header,
		switchRe: SwitchReasonInitial,
	}
	d.run(r.Context(), w, st)
}

// dispatchState is everything one request accumulates across attempts.
type dispatchState struct {
	reqID  string
	start  time.Time
	family ModelFamily
	model  string
	body   []byte
	stream bool
	budget *RetryBudget
	header http.Header

	exclude    map[string]bool
	attempts   attemptState
	rotations  int
	retries    int
	allRetries int
	filtered   bool
	switchRe   SwitchReason
}

func (d *dispatcher) run(ctx context.Context, w http.ResponseWriter, st *dispatchState) {
	for iter := 0; iter < maxDispatchIterations; iter++ {
		sel := d.selector.SelectForFamily(d.store.Snapshot(), st.family, st.exclude)
		if sel.Account == nil {
			if d.waitForPool(ctx, st, sel.Wait) {
				continue
			}
			d.failAllBlocked(w, st, sel.Wait)
			return
		}
		acc := sel.Account

		if err := d.breaker.CanExecute(acc.key()); err != nil {
			// Open breaker means rotate, never a user-visible error.
			if d.cfg.Debug {
				log.Printf("[%s] breaker open for %s, rotating", st.reqID, acc.displayName())
			}
			d.rotate(st, acc, SwitchReasonRotation)
			continue
		}

		acc, ok := d.ensureFreshToken(ctx, w, st, acc)
		if !ok {
			return // response already written
		}
		if acc == nil {
			continue // rotated
		}

		done := d.attempt(ctx, w, st, acc, sel.Index)
		if done {
			return
		}
	}
	(&dispatchError{
		Status: http.StatusBadGateway, Type: "upstream_error", Code: "attempts_exhausted",
		Message: "request could not be completed after exhausting retries",
	}).write(w)
}

// waitForPool implements the all-accounts-blocked wait: sleep out the
// shortest per-family wait and reselect, bounded by config.
func (d *dispatcher) waitForPool(ctx context.Context, st *dispatchState, wait time.Duration) bool {
	if !d.cfg.RetryAllAccountsRateLimited {
		return false
	}
	if wait <= 0 || wait > d.cfg.RetryAllAccountsMaxWait {
		return false
	}
	if st.allRetries >= d.cfg.RetryAllAccountsMaxRetries {
		return false
	}
	st.allRetries++
	if d.cfg.Debug {
		log.Printf("[%s] all accounts blocked for %s, waiting %v (retry %d/%d)",
			st.reqID, st.family, wait, st.allRetries, d.cfg.RetryAllAccountsMaxRetries)
	}
	if !sleepCtx(ctx, wait) {
		return false
	}
	// Previous exclusions are stale once the wait elapses.
	st.exclude = map[string]bool{}
	return true
}

func (d *dispatcher) failAllBlocked(w http.ResponseWriter, st *dispatchState, wait time.Duration) {
	hdr := http.Header{}
	if wait > 0 {
		hdr.Set("Retry-After", strconv.Itoa(int(wait.Seconds()+1)))
	}
	msg := fmt.Sprintf("all accounts are rate limited for family %s", st.family)
	if wait > 0 {
		msg = fmt.Sprintf("%s; shortest wait %s", msg, wait.Round(time.Second))
	}
	d.metrics.incRoute(RouteRateLimit)
	d.recent.add(RouteRateLimit, "", msg)
	(&dispatchError{
		Status: http.StatusTooManyRequests, Type: "all_accounts_rate_limited",
		Code: "all_accounts_rate_limited", Message: msg, Header: hdr,
	}).write(w)
}

// ensureFreshToken refreshes the access token inline when it is expired
// or inside the skew window. Returns (nil, true) when the caller should
// rotate to another account, (nil, false) when the response was already
// written, and (account, true) to proceed.
func (d *dispatcher) ensureFreshToken(ctx context.Context, w http.ResponseWriter, st *dispatchState, acc *Account) (*Account, bool) {
	now := time.Now().UnixMilli()
	fresh := acc.AccessToken != "" && (acc.ExpiresAt == 0 || acc.ExpiresAt-now > d.cfg.TokenRefreshSkew.Milliseconds())
	if fresh {
		return acc, true
	}
	if acc.RefreshToken == "" {
		d.rotate(st, acc, SwitchReasonRotation)
		return nil, true
	}

	res := d.queue.Refresh(ctx, acc.RefreshToken)
	var updated *Account
	err := d.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		for _, a := range snap.Accounts {
			if a.key() != acc.key() {
				continue
			}
			if applyTokenResult(a, res) {
				updated = a.clone()
				return persist()
			}
			updated = a.clone()
			return nil
		}
		return nil
	})
	if err != nil {
		log.Printf("[%s] persist after refresh failed: %v", st.reqID, err)
	}

	if res.Success {
		if updated != nil {
			return updated, true
		}
		return acc, true
	}

	if d.cfg.Debug {
		log.Printf("[%s] token refresh failed for %s: %s (%s)", st.reqID, acc.displayName(), res.Message, res.Reason)
	}
	if res.Reason == TokenFailCancelled {
		// Caller gone while joined to the refresh; the account keeps its
		// standing.
		(&dispatchError{
			Status: http.StatusBadGateway, Type: "auth_error", Code: string(res.Reason),
			Message: "token refresh failed: " + res.Message,
		}).write(w)
		return nil, false
	}
	d.health.RecordFailure(acc.key(), string(st.family))
	if st.budget.Consume(BudgetAuthRefresh) {
		d.rotate(st, acc, SwitchReasonRotation)
		return nil, true
	}
	d.recent.add(RouteOther, acc.key(), "auth refresh budget exhausted: "+res.Message)
	(&dispatchError{
		Status: http.StatusBadGateway, Type: "auth_error", Code: string(res.Reason),
		Message: "token refresh failed: " + res.Message,
	}).write(w)
	return nil, false
}

func (d *dispatcher) rotate(st *dispatchState, acc *Account, reason SwitchReason) {
	st.exclude[acc.key()] = true
	st.rotations++
	st.switchRe = reason
	d.metrics.incRotation()
	if !st.filtered {
		// Item references point at another account's server-side state;
		// strip them before replaying elsewhere.
		st.body = filterInput(st.body)
		st.filtered = true
	}
}

// attempt performs exactly one upstream call. It returns true when the
// client response has been written.
func (d *dispatcher) attempt(ctx context.Context, w http.ResponseWriter, st *dispatchState, acc *Account, index int) bool {
	var reqCtx context.Context
	var cancel context.CancelFunc
	var headerTimer *time.Timer
	if st.stream {
		// Streams outlive any fixed deadline; the header wait still gets
		// a cap, and the stall reader guards the body.
		reqCtx, cancel = context.WithCancel(ctx)
		headerTimer = time.AfterFunc(d.cfg.FetchTimeout, cancel)
	} else {
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.FetchTimeout)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.cfg.UpstreamURL, bytes.NewReader(st.body))
	if err != nil {
		cancel()
		(&dispatchError{Status: http.StatusInternalServerError, Type: "internal_error", Code: "request_build", Message: err.Error()}).write(w)
		return true
	}
	d.setUpstreamHeaders(req, st, acc)

	d.bucket.TryConsume(acc.key(), string(st.family))
	resp, err := d.client.Do(req)
	if headerTimer != nil && resp != nil {
		headerTimer.Stop()
	}
	if err != nil {
		cancel()
		cls := ClassifyNetworkError(err)
		return d.handleFailure(ctx, w, st, acc, cls)
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		cls := ClassifyResponse(resp.StatusCode, resp.Header, raw)
		if cls.ContextOverflow {
			d.metrics.incSynthetic()
			d.metrics.inc(strconv.Itoa(resp.StatusCode), acc.key())
			d.recordOutcome(st, acc, http.StatusOK, "", true)
			if d.cfg.Debug {
				log.Printf("[%s] context overflow from upstream, answering synthetically", st.reqID)
			}
			writeSyntheticOverflow(w)
			return true
		}
		return d.handleFailure(ctx, w, st, acc, cls)
	}

	return d.relayBody(ctx, w, st, acc, index, resp, cancel)
}

func (d *dispatcher) setUpstreamHeaders(req *http.Request, st *dispatchState, acc *Account) {
	copyHeader(req.Header, st.header)
	removeHopByHopHeaders(req.Header)
	req.Header.Del("Cookie")
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	if acc.AccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", acc.AccountID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if gjson.GetBytes(st.body, "prompt_cache_key").String() == "" {
		req.Header.Set("X-Prompt-Cache-Key", promptCacheKey(acc))
	}
}

// promptCacheKey derives a stable per-account cache key so upstream
// prompt caching keeps working across our rotations.
func promptCacheKey(acc *Account) string {
	sum := sha256.Sum256([]byte("codex-mux|" + acc.key()))
	return hex.EncodeToString(sum[:8])
}

// commitSuccess persists the bookkeeping of a served request: ledger
// cleared, last_used advanced, active index pinned to this account.
func (d *dispatcher) commitSuccess(st *dispatchState, acc *Account, index int) {
	d.health.RecordSuccess(acc.key(), string(st.family))
	d.breaker.RecordSuccess(acc.key())
	d.noteSuccessBackoff()

	err := d.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		for i, a := range snap.Accounts {
			if a.key() != acc.key() {
				continue
			}
			a.ClearResetTime(st.family)
			now := time.Now().UnixMilli()
			if now > a.LastUsed {
				a.LastUsed = now
			}
			a.LastSwitchReason = st.switchRe
			a.CoolingDownUntil = 0
			a.CooldownReason = ""
			if snap.ActiveIndexByFamily == nil {
				snap.ActiveIndexByFamily = map[ModelFamily]int{}
			}
			snap.ActiveIndexByFamily[st.family] = i
			snap.ActiveIndex = i
			break
		}
		return persist()
	})
	if err != nil {
		log.Printf("[%s] persist after success failed: %v", st.reqID, err)
	}
}

// relayBody forwards the upstream body to the client, converting SSE to
// JSON when the client did not ask for a stream. Success bookkeeping is
// committed per branch: before the body when the client streams (no
// rotation mid-stream), after a terminal payload otherwise, so a stalled
// or broken buffered read still goes through the retry policy.
func (d *dispatcher) relayBody(ctx context.Context, w http.ResponseWriter, st *dispatchState, acc *Account, index int, resp *http.Response, cancel func()) bool {
	defer cancel()
	contentType := resp.Header.Get("Content-Type")
	isSSE := strings.Contains(strings.ToLower(contentType), "text/event-stream")

	if isSSE && st.stream {
		// Mode B: commit first, then pass the stream through, rewriting
		// lines in flight. Headers are already on the wire after this.
		d.commitSuccess(st, acc, index)
		copyHeader(w.Header(), resp.Header)
		removeHopByHopHeaders(w.Header())
		w.WriteHeader(resp.StatusCode)

		var out io.Writer = w
		if flusher, ok := w.(http.Flusher); ok {
			out = &flushWriter{w: w, f: flusher, flushInterval: 100 * time.Millisecond}
		}
		sw := &sseRewriteWriter{
			w:            out,
			repair:       d.cfg.JSONRepairMode,
			rewriteTasks: d.cfg.CodexMode,
			onTerminalError: func(se *streamError) {
				d.metrics.incRoute(RouteOther)
				d.recent.add(RouteOther, acc.key(), se.Message)
			},
		}

		stalled := newStallTimeoutReader(resp.Body, d.cfg.StreamStallTimeout, cancel)
		_, copyErr := io.Copy(sw, stalled)
		flushErr := sw.Flush()
		stalled.Close()
		if copyErr != nil || flushErr != nil {
			d.metrics.inc("stream_error", acc.key())
			return true
		}
		d.metrics.inc(strconv.Itoa(resp.StatusCode), acc.key())
		d.recordOutcome(st, acc, resp.StatusCode, "", false)
		if d.cfg.Debug {
			log.Printf("[%s] done status=%d account=%s duration_ms=%d streamed=true",
				st.reqID, resp.StatusCode, acc.displayName(), time.Since(st.start).Milliseconds())
		}
		return true
	}

	if isSSE {
		// Mode A: drain the stream and answer with plain JSON.
		outcome, err := processSSEToJSON(resp.Body, cancel, d.cfg.StreamStallTimeout, d.cfg.JSONRepairMode, d.cfg.CodexMode)
		if err != nil {
			return d.handleFailure(ctx, w, st, acc, ClassifyNetworkError(err))
		}
		switch {
		case outcome.Err != nil:
			se := outcome.Err
			d.metrics.inc("stream_error", acc.key())
			d.recent.add(RouteOther, acc.key(), se.Message)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(se.Status)
			w.Write(se.envelope())
			d.recordOutcome(st, acc, se.Status, string(RouteOther), false)
			return true
		case outcome.Payload != nil:
			d.commitSuccess(st, acc, index)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(outcome.Payload)
			d.metrics.inc("200", acc.key())
			d.recordOutcome(st, acc, http.StatusOK, "", false)
			if d.cfg.Debug {
				log.Printf("[%s] done status=200 account=%s duration_ms=%d streamed=false",
					st.reqID, acc.displayName(), time.Since(st.start).Milliseconds())
			}
			return true
		default:
			// No terminal event: hand back the original bytes untouched.
			if len(bytes.TrimSpace(outcome.Raw)) == 0 {
				return d.handleEmptyResponse(w, st, acc)
			}
			d.commitSuccess(st, acc, index)
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(resp.StatusCode)
			w.Write(outcome.Raw)
			d.metrics.inc(strconv.Itoa(resp.StatusCode), acc.key())
			d.recordOutcome(st, acc, resp.StatusCode, "", false)
			return true
		}
	}

	// Plain JSON upstream response.
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, sseMaxBuffer))
	resp.Body.Close()
	if readErr != nil {
		return d.handleFailure(ctx, w, st, acc, ClassifyNetworkError(readErr))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return d.handleEmptyResponse(w, st, acc)
	}
	if d.cfg.CodexMode && json.Valid(raw) {
		raw = normalizeTaskPayload(raw)
	}
	d.commitSuccess(st, acc, index)
	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	w.Write(raw)
	d.metrics.inc(strconv.Itoa(resp.StatusCode), acc.key())
	d.recordOutcome(st, acc, resp.StatusCode, "", false)
	return true
}

// handleEmptyResponse decides whether an empty 200 is retried. Returning
// false sends the dispatcher around the loop for the same account.
func (d *dispatcher) handleEmptyResponse(w http.ResponseWriter, st *dispatchState, acc *Account) bool {
	if st.retries < d.cfg.EmptyResponseMaxRetries && st.budget.Consume(BudgetEmptyResponse) {
		st.retries++
		if d.cfg.Debug {
			log.Printf("[%s] empty response from %s, retrying (%d/%d)",
				st.reqID, acc.displayName(), st.retries, d.cfg.EmptyResponseMaxRetries)
		}
		time.Sleep(d.cfg.EmptyResponseRetryDelay)
		return false
	}
	d.recent.add(RouteOther, acc.key(), "empty response from upstream")
	d.metrics.inc("empty", acc.key())
	(&dispatchError{
		Status: http.StatusBadGateway, Type: "upstream_error", Code: "empty_response",
		Message: "upstream returned an empty response",
	}).write(w)
	d.recordOutcome(st, acc, http.StatusBadGateway, string(RouteOther), false)
	return true
}

// handleFailure routes one failed attempt through the retry policy.
// Returns true when a response has been written.
func (d *dispatcher) handleFailure(ctx context.Context, w http.ResponseWriter, st *dispatchState, acc *Account, cls Classification) bool {
	d.metrics.incRoute(cls.Route)
	d.recent.add(cls.Route, acc.key(), cls.Message)
	d.noteFailureBackoff()

	switch cls.Route {
	case RouteRateLimit:
		d.recordRateLimit(st, acc, cls)
	case RouteServerError, RouteNetworkError:
		d.health.RecordFailure(acc.key(), string(st.family))
		d.breaker.RecordFailure(acc.key())
	default:
		d.health.RecordFailure(acc.key(), string(st.family))
	}

	decision := d.policy.Decide(cls, st.budget, st.attempts)
	if d.cfg.Debug {
		log.Printf("[%s] attempt failed account=%s route=%s status=%d decision=%q",
			st.reqID, acc.displayName(), cls.Route, cls.StatusCode, decision.Reason)
	}

	switch {
	case decision.SameAccountRetry:
		st.attempts.sameAccountRetries++
		if decision.Guided {
			st.attempts.guidedRetries++
			st.body = appendToolGuidance(st.body, cls)
		}
		wait := cls.RetryAfter
		if wait <= 0 {
			wait = d.backoffDelay()
		}
		if !sleepCtx(ctx, wait) {
			(&dispatchError{Status: statusForRoute(cls), Type: string(cls.Route), Code: decision.Reason, Message: cls.Message}).write(w)
			return true
		}
		return false

	case decision.RotateAccount:
		reason := SwitchReasonRotation
		if cls.Route == RouteRateLimit {
			reason = SwitchReasonRateLimit
		}
		d.rotate(st, acc, reason)
		return false
	}

	// Fail fast.
	hdr := http.Header{}
	if cls.Route == RouteRateLimit {
		if cls.RetryAfter > 0 {
			hdr.Set("Retry-After", strconv.Itoa(int(cls.RetryAfter.Seconds()+1)))
		}
		if cls.ResetAtMS > 0 {
			hdr.Set(resetAtHeader, strconv.FormatInt(cls.ResetAtMS/1000, 10))
		}
	}
	status := statusForRoute(cls)
	msg := cls.Message
	if msg == "" {
		msg = decision.Reason
	}
	(&dispatchError{Status: status, Type: string(cls.Route), Code: decision.Reason, Message: msg, Header: hdr}).write(w)
	d.recordOutcome(st, acc, status, string(cls.Route), false)
	return true
}

func statusForRoute(cls Classification) int {
	switch cls.Route {
	case RouteRateLimit:
		return http.StatusTooManyRequests
	case RouteApprovalOrPolicy:
		if cls.StatusCode == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case RouteToolArgument, RouteToolUnavailable:
		return http.StatusBadRequest
	default:
		if cls.StatusCode >= 400 {
			return cls.StatusCode
		}
		return http.StatusBadGateway
	}
}

// recordRateLimit persists the reset ledger entry for a 429, deduping
// bursts of concurrent failures against the same (account, family).
func (d *dispatcher) recordRateLimit(st *dispatchState, acc *Account, cls Classification) {
	dedupKey := acc.key() + "|" + string(st.family)
	if _, seen := d.rateLimitSeen.Get(dedupKey); seen {
		return
	}
	d.rateLimitSeen.SetDefault(dedupKey, struct{}{})

	d.health.RecordRateLimit(acc.key(), string(st.family))
	d.bucket.Drain(acc.key(), string(st.family), 0)

	resetMS := cls.ResetAtMS
	if resetMS == 0 && cls.RetryAfter > 0 {
		resetMS = time.Now().Add(cls.RetryAfter).UnixMilli()
	}
	if resetMS == 0 {
		resetMS = time.Now().Add(time.Minute).UnixMilli()
	}
	err := d.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		for _, a := range snap.Accounts {
			if a.key() == acc.key() {
				a.UpdateResetTime(st.family, resetMS)
				a.LastSwitchReason = SwitchReasonRateLimit
				break
			}
		}
		return persist()
	})
	if err != nil {
		log.Printf("[%s] persist rate limit failed: %v", st.reqID, err)
	}
}

// appendToolGuidance adds corrective instructions for a guided retry so
// the model can fix its own tool call.
func appendToolGuidance(body []byte, cls Classification) []byte {
	var hint string
	switch {
	case cls.Route == RouteToolArgument && cls.ToolName != "":
		hint = fmt.Sprintf("The previous call to tool %q was missing required fields: %s. Call it again with every required field set.",
			cls.ToolName, strings.Join(cls.MissingFields, ", "))
	case cls.Route == RouteToolArgument:
		hint = "The previous tool call was missing required fields. Call the tool again with every required field set."
	default:
		hint = "The previously requested tool is not available. Continue without it or choose an available tool."
	}
	existing := gjson.GetBytes(body, "instructions").String()
	if existing != "" {
		hint = existing + "\n\n" + hint
	}
	out, err := sjson.SetBytes(body, "instructions", hint)
	if err != nil {
		return body
	}
	return out
}

func (d *dispatcher) recordOutcome(st *dispatchState, acc *Account, status int, route string, synthetic bool) {
	if d.audit == nil {
		return
	}
	err := d.audit.record(RequestOutcome{
		RequestID: st.reqID,
		AccountID: acc.key(),
		Family:    string(st.family),
		Model:     st.model,
		Status:    status,
		Route:     route,
		Rotations: st.rotations,
		Retries:   st.attempts.sameAccountRetries + st.attempts.guidedRetries,
		Synthetic: synthetic,
		Duration:  time.Since(st.start).Milliseconds(),
		Timestamp: time.Now(),
	})
	if err != nil && d.cfg.Debug {
		log.Printf("[%s] audit record failed: %v", st.reqID, err)
	}
}

// backoffDelay doubles with each recent failure, with 10% jitter. The
// streak resets after a quiet stretch or a success.
func (d *dispatcher) backoffDelay() time.Duration {
	d.backoffMu.Lock()
	if time.Since(d.lastFailure) > backoffQuietReset {
		d.failureStreak = 0
	}
	streak := d.failureStreak
	d.backoffMu.Unlock()

	delay := 500 * time.Millisecond << uint(min(streak, 8))
	maxDelay := 30 * time.Second
	if d.cfg.FastSession {
		maxDelay = 5 * time.Second
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

func (d *dispatcher) noteFailureBackoff() {
	d.backoffMu.Lock()
	if time.Since(d.lastFailure) > backoffQuietReset {
		d.failureStreak = 0
	}
	d.failureStreak++
	d.lastFailure = time.Now()
	d.backoffMu.Unlock()
}

func (d *dispatcher) noteSuccessBackoff() {
	d.backoffMu.Lock()
	d.failureStreak = 0
	d.backoffMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
