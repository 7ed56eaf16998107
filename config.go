package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr   string `toml:"listen_addr"`
	UpstreamURL  string `toml:"upstream_url"`
	AccountsPath string `toml:"accounts_path"`
	DBPath       string `toml:"db_path"`
	Debug        bool   `toml:"debug"`
	AdminToken   string `toml:"admin_token"`

	TokenRefreshSkewMS       int64 `toml:"token_refresh_skew_ms"`
	RateLimitToastDebounceMS int64 `toml:"rate_limit_toast_debounce_ms"`
	StreamStallTimeoutMS     int64 `toml:"stream_stall_timeout_ms"`
	FetchTimeoutMS           int64 `toml:"fetch_timeout_ms"`

	RetryAllAccountsRateLimited bool  `toml:"retry_all_accounts_rate_limited"`
	RetryAllAccountsMaxWaitMS   int64 `toml:"retry_all_accounts_max_wait_ms"`
	RetryAllAccountsMaxRetries  int   `toml:"retry_all_accounts_max_retries"`

	EmptyResponseMaxRetries   int   `toml:"empty_response_max_retries"`
	EmptyResponseRetryDelayMS int64 `toml:"empty_response_retry_delay_ms"`

	ParallelProbing               bool `toml:"parallel_probing"`
	ParallelProbingMaxConcurrency int  `toml:"parallel_probing_max_concurrency"`

	PerProjectAccounts bool  `toml:"per_project_accounts"`
	FastSession        bool  `toml:"fast_session"`
	CodexMode          *bool `toml:"codex_mode"`

	JSONRepairMode       string            `toml:"json_repair_mode"`
	RetryMode            string            `toml:"retry_mode"`
	RetryBudgetProfile   string            `toml:"retry_budget_profile"`
	RetryBudgetOverrides map[string]int    `toml:"retry_budget_overrides"`
	ModelFallbacks       map[string]string `toml:"model_fallbacks"`

	AuditRetentionDays int `toml:"audit_retention_days"`
}

// ConfigError reports a rejected configuration value. The field falls
// back to its default; the error is logged, not fatal.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the validated runtime configuration.
type Config struct {
	ListenAddr   string
	UpstreamURL  string
	AccountsPath string
	DBPath       string
	Debug        bool
	AdminToken   string

	TokenRefreshSkew       time.Duration
	RateLimitToastDebounce time.Duration
	StreamStallTimeout     time.Duration
	FetchTimeout           time.Duration

	RetryAllAccountsRateLimited bool
	RetryAllAccountsMaxWait     time.Duration
	RetryAllAccountsMaxRetries  int

	EmptyResponseMaxRetries int
	EmptyResponseRetryDelay time.Duration

	ParallelProbing               bool
	ParallelProbingMaxConcurrency int

	PerProjectAccounts bool
	FastSession        bool
	CodexMode          bool

	JSONRepairMode       jsonRepairMode
	RetryMode            RetryMode
	RetryBudgetProfile   BudgetProfile
	RetryBudgetOverrides map[string]int
	ModelFallbacks       map[string]string

	AuditRetentionDays int
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveConfig merges env vars, the config file, and defaults into a
// validated Config. Invalid values are reported and replaced with the
// default for that field only.
func resolveConfig(file *ConfigFile) (*Config, []error) {
	if file == nil {
		file = &ConfigFile{}
	}
	var errs []error
	reject := func(field, reason string) {
		errs = append(errs, &ConfigError{Field: field, Reason: reason})
	}

	cfg := &Config{
		ListenAddr:   getConfigString("CODEX_MUX_LISTEN_ADDR", file.ListenAddr, "127.0.0.1:8849"),
		UpstreamURL:  getConfigString("CODEX_MUX_UPSTREAM_URL", file.UpstreamURL, "https://chatgpt.com/backend-api/codex/responses"),
		AccountsPath: getConfigString("CODEX_MUX_ACCOUNTS_PATH", file.AccountsPath, ""),
		DBPath:       getConfigString("CODEX_MUX_DB_PATH", file.DBPath, "codex-mux.db"),
		Debug:        getConfigBool("CODEX_MUX_DEBUG", file.Debug, false),
		AdminToken:   getConfigString("CODEX_MUX_ADMIN_TOKEN", file.AdminToken, ""),

		RetryAllAccountsRateLimited: getConfigBool("CODEX_MUX_RETRY_ALL_ACCOUNTS", file.RetryAllAccountsRateLimited, false),
		ParallelProbing:             getConfigBool("CODEX_MUX_PARALLEL_PROBING", file.ParallelProbing, false),
		PerProjectAccounts:          getConfigBool("CODEX_MUX_PER_PROJECT_ACCOUNTS", file.PerProjectAccounts, false),
		FastSession:                 getConfigBool("CODEX_MUX_FAST_SESSION", file.FastSession, false),
		CodexMode:                   getConfigBoolPtr("CODEX_MUX_CODEX_MODE", file.CodexMode, true),

		ModelFallbacks: file.ModelFallbacks,
	}

	durationField := func(field string, envKey string, raw int64, def, min time.Duration) time.Duration {
		ms := getConfigInt64(envKey, raw, def.Milliseconds())
		d := time.Duration(ms) * time.Millisecond
		if d < min {
			reject(field, fmt.Sprintf("must be at least %v, got %v", min, d))
			return def
		}
		return d
	}

	cfg.TokenRefreshSkew = durationField("token_refresh_skew_ms", "CODEX_MUX_TOKEN_REFRESH_SKEW_MS", file.TokenRefreshSkewMS, 60*time.Second, time.Second)
	cfg.RateLimitToastDebounce = durationField("rate_limit_toast_debounce_ms", "CODEX_MUX_RATE_LIMIT_TOAST_DEBOUNCE_MS", file.RateLimitToastDebounceMS, 60*time.Second, 0)
	cfg.StreamStallTimeout = durationField("stream_stall_timeout_ms", "CODEX_MUX_STREAM_STALL_TIMEOUT_MS", file.StreamStallTimeoutMS, 45*time.Second, time.Second)
	cfg.FetchTimeout = durationField("fetch_timeout_ms", "CODEX_MUX_FETCH_TIMEOUT_MS", file.FetchTimeoutMS, 120*time.Second, time.Second)
	cfg.RetryAllAccountsMaxWait = durationField("retry_all_accounts_max_wait_ms", "CODEX_MUX_RETRY_ALL_ACCOUNTS_MAX_WAIT_MS", file.RetryAllAccountsMaxWaitMS, 30*time.Second, 0)
	cfg.EmptyResponseRetryDelay = durationField("empty_response_retry_delay_ms", "CODEX_MUX_EMPTY_RESPONSE_RETRY_DELAY_MS", file.EmptyResponseRetryDelayMS, 0, 0)

	cfg.RetryAllAccountsMaxRetries = getConfigInt("CODEX_MUX_RETRY_ALL_ACCOUNTS_MAX_RETRIES", file.RetryAllAccountsMaxRetries, 1)
	cfg.EmptyResponseMaxRetries = getConfigInt("CODEX_MUX_EMPTY_RESPONSE_MAX_RETRIES", file.EmptyResponseMaxRetries, 0)
	if cfg.EmptyResponseMaxRetries < 0 {
		reject("empty_response_max_retries", "must be non-negative")
		cfg.EmptyResponseMaxRetries = 0
	}

	cfg.ParallelProbingMaxConcurrency = getConfigInt("CODEX_MUX_PARALLEL_PROBING_MAX_CONCURRENCY", file.ParallelProbingMaxConcurrency, 2)
	if cfg.ParallelProbingMaxConcurrency < 1 || cfg.ParallelProbingMaxConcurrency > 5 {
		reject("parallel_probing_max_concurrency", fmt.Sprintf("must be in [1,5], got %d", cfg.ParallelProbingMaxConcurrency))
		cfg.ParallelProbingMaxConcurrency = 2
	}

	switch mode := jsonRepairMode(getConfigString("CODEX_MUX_JSON_REPAIR_MODE", file.JSONRepairMode, string(repairSafe))); mode {
	case repairOff, repairSafe:
		cfg.JSONRepairMode = mode
	default:
		reject("json_repair_mode", fmt.Sprintf("unknown mode %q", mode))
		cfg.JSONRepairMode = repairSafe
	}

	switch mode := RetryMode(getConfigString("CODEX_MUX_RETRY_MODE", file.RetryMode, string(RetryModeRouteMatrix))); mode {
	case RetryModeLegacy, RetryModeRouteMatrix:
		cfg.RetryMode = mode
	default:
		reject("retry_mode", fmt.Sprintf("unknown mode %q", mode))
		cfg.RetryMode = RetryModeRouteMatrix
	}

	switch p := BudgetProfile(getConfigString("CODEX_MUX_RETRY_BUDGET_PROFILE", file.RetryBudgetProfile, string(ProfileBalanced))); p {
	case ProfileConservative, ProfileBalanced, ProfileAggressive:
		cfg.RetryBudgetProfile = p
	default:
		reject("retry_budget_profile", fmt.Sprintf("unknown profile %q", p))
		cfg.RetryBudgetProfile = ProfileBalanced
	}

	if len(file.RetryBudgetOverrides) > 0 {
		overrides := make(map[string]int, len(file.RetryBudgetOverrides))
		for k, v := range file.RetryBudgetOverrides {
			if !isBudgetClass(BudgetClass(k)) {
				reject("retry_budget_overrides", fmt.Sprintf("unknown class %q", k))
				continue
			}
			if v < 0 {
				reject("retry_budget_overrides", fmt.Sprintf("%s: negative limit %d", k, v))
				continue
			}
			overrides[k] = v
		}
		cfg.RetryBudgetOverrides = overrides
	}

	cfg.AuditRetentionDays = getConfigInt("CODEX_MUX_AUDIT_RETENTION_DAYS", file.AuditRetentionDays, 30)

	return cfg, errs
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return int(n)
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// getConfigInt64 returns the config value with priority: env var > config file > default.
func getConfigInt64(envKey string, configValue int64, defaultValue int64) int64 {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}

// getConfigBoolPtr tracks file presence so an explicit false is honored
// for flags whose default is true.
func getConfigBoolPtr(envKey string, configValue *bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue != nil {
		return *configValue
	}
	return defaultValue
}
