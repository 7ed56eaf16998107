package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func testServer(t *testing.T, cfg *Config, accounts ...*Account) *muxServer {
	t.Helper()
	d := testDispatcher(t, cfg, accounts...)
	return &muxServer{
		cfg:        cfg,
		store:      d.store,
		dispatcher: d,
		health:     d.health,
		bucket:     d.bucket,
		breaker:    d.breaker,
		queue:      d.queue,
		metrics:    d.metrics,
		recent:     d.recent,
		audit:      d.audit,
		startTime:  time.Now(),
	}
}

func adminRequest(s *muxServer, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"), poolAccount("b", "at-b"))
	rec := adminRequest(s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !gjson.Get(body, "ok").Bool() {
		t.Fatalf("expected ok, got %s", body)
	}
	if gjson.Get(body, "accounts").Int() != 2 || gjson.Get(body, "enabled_accounts").Int() != 2 {
		t.Fatalf("unexpected account counts: %s", body)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.AdminToken = "secret"
	s := testServer(t, cfg, poolAccount("a", "at-a"))

	if rec := adminRequest(s, http.MethodGet, "/admin/accounts", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := adminRequest(s, http.MethodGet, "/admin/accounts", "", map[string]string{"X-Admin-Token": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := adminRequest(s, http.MethodGet, "/admin/accounts", "", map[string]string{"X-Admin-Token": "secret"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with header token, got %d", rec.Code)
	}
	if rec := adminRequest(s, http.MethodGet, "/admin/accounts", "", map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
}

func TestAdminAccountsListingHidesTokens(t *testing.T) {
	acc := poolAccount("a", "at-secret")
	acc.Label = "primary"
	acc.RateLimitResetTimes = map[ModelFamily]int64{
		FamilyCodex: time.Now().Add(time.Hour).UnixMilli(),
	}
	s := testServer(t, testConfig("http://unused"), acc, poolAccount("b", "at-b"))

	rec := adminRequest(s, http.MethodGet, "/admin/accounts", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "at-secret") || strings.Contains(body, "rt-a") {
		t.Fatalf("credentials leaked in listing: %s", body)
	}
	rows := gjson.Parse(body).Array()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Get("name").String() != "primary" {
		t.Fatalf("expected display name, got %s", rows[0].Raw)
	}
	if !rows[0].Get("rate_limit_reset_times.codex").Exists() {
		t.Fatalf("expected reset ledger surfaced, got %s", rows[0].Raw)
	}
	if rows[0].Get("breaker_state").String() != "closed" {
		t.Fatalf("expected closed breaker, got %s", rows[0].Raw)
	}
}

func TestAdminDisableAndEnableAccount(t *testing.T) {
	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"))

	if rec := adminRequest(s, http.MethodPost, "/admin/accounts/a/disable", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("disable failed: %d %s", rec.Code, rec.Body.String())
	}
	if s.store.Snapshot().Accounts[0].Enabled {
		t.Fatalf("expected account disabled")
	}
	if rec := adminRequest(s, http.MethodPost, "/admin/accounts/a/enable", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("enable failed: %d", rec.Code)
	}
	if !s.store.Snapshot().Accounts[0].Enabled {
		t.Fatalf("expected account re-enabled")
	}
	if rec := adminRequest(s, http.MethodPost, "/admin/accounts/missing/disable", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestAdminResetClearsBlocksAndBreaker(t *testing.T) {
	acc := poolAccount("a", "at-a")
	acc.CoolingDownUntil = time.Now().Add(time.Hour).UnixMilli()
	acc.CooldownReason = CooldownAuthFailure
	acc.RateLimitResetTimes = map[ModelFamily]int64{
		FamilyCodex: time.Now().Add(time.Hour).UnixMilli(),
	}
	s := testServer(t, testConfig("http://unused"), acc)
	for i := 0; i < defaultBreakerConfig().FailureThreshold; i++ {
		s.breaker.RecordFailure("a")
	}

	if rec := adminRequest(s, http.MethodPost, "/admin/accounts/a/reset", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("reset failed: %d", rec.Code)
	}
	got := s.store.Snapshot().Accounts[0]
	if got.CoolingDownUntil != 0 || got.CooldownReason != "" || got.RateLimitResetTimes != nil {
		t.Fatalf("expected blocks cleared, got %+v", got)
	}
	if err := s.breaker.CanExecute("a"); err != nil {
		t.Fatalf("expected breaker reset, got %v", err)
	}
}

func TestAdminDeleteAccountShiftsIndexes(t *testing.T) {
	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"), poolAccount("b", "at-b"))
	if err := s.store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		snap.ActiveIndex = 1
		snap.ActiveIndexByFamily[FamilyCodex] = 1
		return persist()
	}); err != nil {
		t.Fatalf("seed indexes: %v", err)
	}

	if rec := adminRequest(s, http.MethodDelete, "/admin/accounts/a", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d %s", rec.Code, rec.Body.String())
	}
	snap := s.store.Snapshot()
	if len(snap.Accounts) != 1 || snap.Accounts[0].AccountID != "b" {
		t.Fatalf("expected only b left, got %+v", snap.Accounts)
	}
	if snap.ActiveIndexByFamily[FamilyCodex] != 0 {
		t.Fatalf("expected family index shifted, got %d", snap.ActiveIndexByFamily[FamilyCodex])
	}
}

func TestAdminAddAccountAndDuplicate(t *testing.T) {
	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"))

	body := `{"refresh_token":"rt-new","label":"second"}`
	if rec := adminRequest(s, http.MethodPost, "/admin/accounts", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("add failed: %d %s", rec.Code, rec.Body.String())
	}
	snap := s.store.Snapshot()
	if len(snap.Accounts) != 2 || snap.Accounts[1].Label != "second" {
		t.Fatalf("expected account appended, got %+v", snap.Accounts)
	}
	if snap.Accounts[1].AccessToken == "" {
		t.Fatalf("expected validated token stored")
	}

	if rec := adminRequest(s, http.MethodPost, "/admin/accounts", body, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
	if rec := adminRequest(s, http.MethodPost, "/admin/accounts", `{"label":"no token"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without refresh_token, got %d", rec.Code)
	}
}

func TestAdminReloadRereadsStore(t *testing.T) {
	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"))
	if rec := adminRequest(s, http.MethodGet, "/admin/reload", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
	rec := adminRequest(s, http.MethodPost, "/admin/reload", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload failed: %d %s", rec.Code, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "accounts").Int() != 1 {
		t.Fatalf("unexpected reload response: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"))
	s.metrics.inc("200", "a")
	s.metrics.incRoute(RouteRateLimit)
	s.metrics.incRotation()

	rec := adminRequest(s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`codexmux_requests_total{status="200"} 1`,
		`codexmux_account_requests_total{account="a",status="200"} 1`,
		`codexmux_failures_total{route="rate_limit"} 1`,
		"codexmux_rotations_total 1",
		"codexmux_token_refreshes_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRouterRecognizesResponsesPaths(t *testing.T) {
	for _, path := range []string{"/v1/responses", "/responses", "/backend-api/codex/responses"} {
		if !isResponsesPath(path) {
			t.Fatalf("expected %q recognized", path)
		}
	}
	for _, path := range []string{"/v1/chat/completions", "/responses/extra", "/"} {
		if isResponsesPath(path) {
			t.Fatalf("expected %q rejected", path)
		}
	}

	s := testServer(t, testConfig("http://unused"), poolAccount("a", "at-a"))
	if rec := adminRequest(s, http.MethodGet, "/v1/responses", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for GET responses, got %d", rec.Code)
	}
	if rec := adminRequest(s, http.MethodGet, "/no/such/path", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
}
