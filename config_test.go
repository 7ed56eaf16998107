package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func hasConfigError(errs []error, field string) bool {
	for _, err := range errs {
		var ce *ConfigError
		if errors.As(err, &ce) && ce.Field == field {
			return true
		}
	}
	return false
}

func TestResolveConfigDefaults(t *testing.T) {
	cfg, errs := resolveConfig(nil)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg.ListenAddr != "127.0.0.1:8849" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.UpstreamURL != "https://chatgpt.com/backend-api/codex/responses" {
		t.Fatalf("unexpected upstream %q", cfg.UpstreamURL)
	}
	if !cfg.CodexMode {
		t.Fatalf("expected codex mode on by default")
	}
	if cfg.JSONRepairMode != repairSafe || cfg.RetryMode != RetryModeRouteMatrix || cfg.RetryBudgetProfile != ProfileBalanced {
		t.Fatalf("unexpected mode defaults: %v %v %v", cfg.JSONRepairMode, cfg.RetryMode, cfg.RetryBudgetProfile)
	}
	if cfg.TokenRefreshSkew != time.Minute || cfg.FetchTimeout != 120*time.Second || cfg.StreamStallTimeout != 45*time.Second {
		t.Fatalf("unexpected duration defaults: %v %v %v", cfg.TokenRefreshSkew, cfg.FetchTimeout, cfg.StreamStallTimeout)
	}
	if cfg.AuditRetentionDays != 30 {
		t.Fatalf("unexpected audit retention %d", cfg.AuditRetentionDays)
	}
}

func TestResolveConfigRejectsBadValuesFieldByField(t *testing.T) {
	file := &ConfigFile{
		StreamStallTimeoutMS:          10,
		ParallelProbingMaxConcurrency: 9,
		EmptyResponseMaxRetries:       -1,
		JSONRepairMode:                "lenient",
		RetryMode:                     "weird",
		RetryBudgetProfile:            "hyper",
		RetryBudgetOverrides:          map[string]int{"bogus": 1, "network": -2, "server": 7},
		ListenAddr:                    "0.0.0.0:9000",
	}
	cfg, errs := resolveConfig(file)

	for _, field := range []string{
		"stream_stall_timeout_ms",
		"parallel_probing_max_concurrency",
		"empty_response_max_retries",
		"json_repair_mode",
		"retry_mode",
		"retry_budget_profile",
		"retry_budget_overrides",
	} {
		if !hasConfigError(errs, field) {
			t.Fatalf("expected rejection for %s, got %v", field, errs)
		}
	}

	// Each invalid field falls back alone; valid fields survive.
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("valid field lost: %q", cfg.ListenAddr)
	}
	if cfg.StreamStallTimeout != 45*time.Second {
		t.Fatalf("expected stall timeout fallback, got %v", cfg.StreamStallTimeout)
	}
	if cfg.ParallelProbingMaxConcurrency != 2 {
		t.Fatalf("expected concurrency fallback, got %d", cfg.ParallelProbingMaxConcurrency)
	}
	if cfg.EmptyResponseMaxRetries != 0 {
		t.Fatalf("expected retries fallback, got %d", cfg.EmptyResponseMaxRetries)
	}
	if cfg.JSONRepairMode != repairSafe || cfg.RetryMode != RetryModeRouteMatrix || cfg.RetryBudgetProfile != ProfileBalanced {
		t.Fatalf("expected mode fallbacks, got %v %v %v", cfg.JSONRepairMode, cfg.RetryMode, cfg.RetryBudgetProfile)
	}
	if len(cfg.RetryBudgetOverrides) != 1 || cfg.RetryBudgetOverrides["server"] != 7 {
		t.Fatalf("expected only the valid override kept, got %v", cfg.RetryBudgetOverrides)
	}
}

func TestResolveConfigEnvBeatsFile(t *testing.T) {
	t.Setenv("CODEX_MUX_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("CODEX_MUX_DEBUG", "1")
	t.Setenv("CODEX_MUX_FETCH_TIMEOUT_MS", "2000")

	file := &ConfigFile{
		ListenAddr:     "127.0.0.1:8000",
		FetchTimeoutMS: 60000,
	}
	cfg, errs := resolveConfig(file)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("expected env to win, got %q", cfg.ListenAddr)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug enabled from env")
	}
	if cfg.FetchTimeout != 2*time.Second {
		t.Fatalf("expected env fetch timeout, got %v", cfg.FetchTimeout)
	}
}

func TestResolveConfigEnvDisablesBool(t *testing.T) {
	on := true
	t.Setenv("CODEX_MUX_CODEX_MODE", "false")
	cfg, _ := resolveConfig(&ConfigFile{CodexMode: &on})
	if cfg.CodexMode {
		t.Fatalf("expected env false to override file true")
	}
}

func TestResolveConfigFileDisablesCodexMode(t *testing.T) {
	off := false
	cfg, errs := resolveConfig(&ConfigFile{CodexMode: &off})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.CodexMode {
		t.Fatalf("expected file codex_mode = false to be honored")
	}
	cfg, _ = resolveConfig(&ConfigFile{})
	if !cfg.CodexMode {
		t.Fatalf("expected absent codex_mode to default on")
	}
}

func TestLoadConfigFileMissingIsNil(t *testing.T) {
	cfg, err := loadConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil || cfg != nil {
		t.Fatalf("expected nil, nil for missing file, got %v %v", cfg, err)
	}
}

func TestLoadConfigFileParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen_addr = "127.0.0.1:9999"
debug = true
stream_stall_timeout_ms = 30000
retry_budget_profile = "aggressive"

[model_fallbacks]
"gpt-9000" = "gpt-5.2"

[retry_budget_overrides]
network = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	file, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if file.ListenAddr != "127.0.0.1:9999" || !file.Debug || file.StreamStallTimeoutMS != 30000 {
		t.Fatalf("unexpected values: %+v", file)
	}
	if file.ModelFallbacks["gpt-9000"] != "gpt-5.2" {
		t.Fatalf("expected fallback parsed, got %v", file.ModelFallbacks)
	}
	if file.RetryBudgetOverrides["network"] != 5 {
		t.Fatalf("expected override parsed, got %v", file.RetryBudgetOverrides)
	}

	cfg, errs := resolveConfig(file)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.StreamStallTimeout != 30*time.Second || cfg.RetryBudgetProfile != ProfileAggressive {
		t.Fatalf("unexpected resolved values: %v %v", cfg.StreamStallTimeout, cfg.RetryBudgetProfile)
	}
}
