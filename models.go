package main

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// modelAliases maps client-facing model names onto canonical upstream
// ids. Canonical ids are absent so lookup misses pass through, keeping
// normalization idempotent.
var modelAliases = map[string]string{
	"codex-latest":         "codex",
	"codex-max-latest":     "codex-max",
	"codex-mini":           "gpt-5.3-codex-spark",
	"codex-spark":          "gpt-5.3-codex-spark",
	"gpt-5.1-latest":       "gpt-5.1",
	"gpt-5.2-latest":       "gpt-5.2",
	"gpt-5.2-codex-latest": "gpt-5.2-codex",
	"gpt-5.3-codex-latest": "gpt-5.3-codex",
	"gpt-5.3-spark":        "gpt-5.3-codex-spark",
}

// modelFamilies assigns each canonical model id its rate-limit family.
var modelFamilies = map[string]ModelFamily{
	"codex":               FamilyCodex,
	"codex-max":           FamilyCodexMax,
	"gpt-5.1":             FamilyGPT51,
	"gpt-5.2":             FamilyGPT52,
	"gpt-5.2-codex":       FamilyGPT52Codex,
	"gpt-5.3-codex":       FamilyGPT53Codex,
	"gpt-5.3-codex-spark": FamilyGPT53CodexSpark,
}

// normalizeModel resolves aliases to a canonical model id. Unknown
// names pass through unchanged; applying it twice is a no-op.
func normalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if canonical, ok := modelAliases[m]; ok {
		return canonical
	}
	return m
}

// familyForModel maps a canonical model id to its family. ok is false
// for models outside the known set; the caller decides whether a
// fallback chain rewrites them or the request is rejected.
func familyForModel(model string) (ModelFamily, bool) {
	f, ok := modelFamilies[normalizeModel(model)]
	return f, ok
}

// resolveModel normalizes a requested model and walks the configured
// fallback chain (old name -> replacement) until it reaches a known
// model. Returns the final model id, its family, and ok=false when no
// rewrite lands on a known model.
func resolveModel(model string, fallbacks map[string]string) (string, ModelFamily, bool) {
	m := normalizeModel(model)
	for hops := 0; hops < 8; hops++ {
		if f, ok := modelFamilies[m]; ok {
			return m, f, true
		}
		next, ok := fallbacks[m]
		if !ok {
			return m, "", false
		}
		m = normalizeModel(next)
	}
	return m, "", false
}

// filterInput removes item_reference entries from a request's input
// array and strips server-assigned ids from the remaining items.
// References point at server-side state from a previous account's
// session and would 400 when replayed elsewhere.
func filterInput(body []byte) []byte {
	input := gjson.GetBytes(body, "input")
	if !input.IsArray() {
		return body
	}
	items := input.Array()
	keep := make([]gjson.Result, 0, len(items))
	changed := false
	for _, item := range items {
		if item.Get("type").String() == "item_reference" {
			changed = true
			continue
		}
		if item.Get("id").Exists() {
			changed = true
		}
		keep = append(keep, item)
	}
	if !changed {
		return body
	}
	out, err := sjson.SetRawBytes(body, "input", []byte("[]"))
	if err != nil {
		return body
	}
	for i, item := range keep {
		raw := item.Raw
		if item.Get("id").Exists() {
			if stripped, derr := sjson.Delete(raw, "id"); derr == nil {
				raw = stripped
			}
		}
		out, err = sjson.SetRawBytes(out, fmt.Sprintf("input.%d", i), []byte(raw))
		if err != nil {
			return body
		}
	}
	return out
}
