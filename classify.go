package main

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// FailureRoute is the classifier's verdict about which retry policy
// applies to a failed request. The set is closed; everything the rules
// below do not recognize lands on RouteOther.
type FailureRoute string

const (
	RouteRateLimit        FailureRoute = "rate_limit"
	RouteServerError      FailureRoute = "server_error"
	RouteNetworkError     FailureRoute = "network_error"
	RouteToolUnavailable  FailureRoute = "tool_unavailable"
	RouteToolArgument     FailureRoute = "tool_argument"
	RouteApprovalOrPolicy FailureRoute = "approval_or_policy"
	RouteOther            FailureRoute = "other"
)

// Classification is the full classifier output: the route plus whatever
// the dispatcher needs to act on it (wait hints, tool details).
type Classification struct {
	Route      FailureRoute
	StatusCode int
	Message    string

	// Rate-limit details, valid when Route == RouteRateLimit.
	RetryAfter time.Duration
	ResetAtMS  int64

	// Tool details, valid for the tool_* routes.
	ToolName      string
	MissingFields []string

	// A 400 caused by context overflow is not a failure route at all;
	// the dispatcher answers it with a synthetic stream.
	ContextOverflow bool
}

// resetAtHeader carries the absolute reset time for the model family the
// request targeted, in unix seconds.
const resetAtHeader = "X-Codex-Rate-Limit-Reset-At"

var (
	toolMissingRe = regexp.MustCompile(`(?i)tool '?([\w.-]+)'? is missing required (?:field|parameter|argument)s?:?\s*([\w.,_\s-]+)`)

	contextOverflowPatterns = []string{
		"prompt is too long",
		"prompt_too_long",
		"context length",
		"context_length_exceeded",
		"maximum context",
		"exceeds the context window",
		"input is too large",
	}

	quotaPatterns = []string{
		"usage_limit_reached",
		"usage_not_included",
		"rate_limit_exceeded",
		"quota_exceeded",
		"insufficient_quota",
	}

	policyPatterns = []string{
		"approval_required",
		"requires approval",
		"policy_violation",
		"content policy",
		"blocked by policy",
	}

	toolUnavailablePatterns = []string{
		"tool_not_found",
		"unknown tool",
		"tool is not available",
		"unavailable tool",
	}
)

// ClassifyNetworkError covers transport-level failures where no response
// exists at all.
func ClassifyNetworkError(err error) Classification {
	msg := "network error"
	if err != nil {
		msg = err.Error()
	}
	return Classification{Route: RouteNetworkError, Message: msg}
}

// ClassifyResponse maps (status, headers, body) to a failure route.
// First matching rule wins, checked in a fixed order. The body may be
// nil or non-JSON; classification degrades gracefully.
func ClassifyResponse(status int, header http.Header, body []byte) Classification {
	cls := Classification{Route: RouteOther, StatusCode: status}

	errObj := gjson.GetBytes(body, "error")
	errMessage := errObj.Get("message").String()
	errType := errObj.Get("type").String()
	errCode := errObj.Get("code").String()
	cls.Message = firstNonEmpty(errMessage, strings.TrimSpace(string(body)))
	haystack := strings.ToLower(errMessage + " " + errType + " " + errCode)

	switch {
	case status >= 500:
		cls.Route = RouteServerError

	case status == http.StatusTooManyRequests || containsAny(haystack, quotaPatterns):
		cls.Route = RouteRateLimit
		cls.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		cls.ResetAtMS = parseResetAt(header.Get(resetAtHeader))

	case status == http.StatusBadRequest && isContextOverflow(haystack):
		cls.ContextOverflow = true

	case status == http.StatusBadRequest && matchToolMissingArgument(&cls, errObj, errMessage):
		cls.Route = RouteToolArgument

	case status == http.StatusBadRequest && containsAny(haystack, toolUnavailablePatterns):
		cls.Route = RouteToolUnavailable
		cls.ToolName = errObj.Get("tool_name").String()

	case (status == http.StatusBadRequest || status == http.StatusForbidden) && containsAny(haystack, policyPatterns):
		cls.Route = RouteApprovalOrPolicy
	}

	return cls
}

func isContextOverflow(haystack string) bool {
	return containsAny(haystack, contextOverflowPatterns)
}

// matchToolMissingArgument fills the tool fields when the body carries
// the missing-argument signature, either structured or in the message.
func matchToolMissingArgument(cls *Classification, errObj gjson.Result, message string) bool {
	if name := errObj.Get("tool_name").String(); name != "" {
		if missing := errObj.Get("missing_fields"); missing.IsArray() {
			cls.ToolName = name
			for _, f := range missing.Array() {
				cls.MissingFields = append(cls.MissingFields, f.String())
			}
			return len(cls.MissingFields) > 0
		}
	}
	m := toolMissingRe.FindStringSubmatch(message)
	if m == nil {
		return false
	}
	cls.ToolName = m[1]
	for _, f := range strings.FieldsFunc(m[2], func(r rune) bool { return r == ',' || r == ' ' }) {
		f = strings.TrimSpace(f)
		if f != "" && f != "and" {
			cls.MissingFields = append(cls.MissingFields, f)
		}
	}
	return len(cls.MissingFields) > 0
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// parseResetAt converts the per-family reset header (unix seconds) to
// unix milliseconds.
func parseResetAt(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	// Tolerate senders that already use milliseconds.
	if secs > 1e12 {
		return secs
	}
	return secs * 1000
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
