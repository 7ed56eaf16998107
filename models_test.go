package main

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestNormalizeModelIsIdempotent(t *testing.T) {
	for alias := range modelAliases {
		once := normalizeModel(alias)
		twice := normalizeModel(once)
		if once != twice {
			t.Fatalf("normalize(%q) not idempotent: %q -> %q", alias, once, twice)
		}
		if _, ok := modelFamilies[once]; !ok {
			t.Fatalf("alias %q resolves to unknown model %q", alias, once)
		}
	}
}

func TestNormalizeModelCaseAndSpace(t *testing.T) {
	if got := normalizeModel("  Codex-Latest "); got != "codex" {
		t.Fatalf("expected codex, got %q", got)
	}
	if got := normalizeModel("something-else"); got != "something-else" {
		t.Fatalf("expected unknown name passed through, got %q", got)
	}
}

func TestFamilyForModel(t *testing.T) {
	f, ok := familyForModel("gpt-5.3-codex-latest")
	if !ok || f != FamilyGPT53Codex {
		t.Fatalf("expected gpt-5.3-codex family, got %v %v", f, ok)
	}
	if _, ok := familyForModel("gpt-9000"); ok {
		t.Fatalf("expected unknown model to miss")
	}
}

func TestResolveModelRejectsUnknownWithoutFallback(t *testing.T) {
	if _, _, ok := resolveModel("gpt-9000", nil); ok {
		t.Fatalf("expected unknown model rejected")
	}
}

func TestResolveModelWalksFallbackChain(t *testing.T) {
	fallbacks := map[string]string{
		"gpt-9000": "gpt-8000",
		"gpt-8000": "gpt-5.2",
	}
	model, family, ok := resolveModel("GPT-9000", fallbacks)
	if !ok || model != "gpt-5.2" || family != FamilyGPT52 {
		t.Fatalf("expected chain to land on gpt-5.2, got %q %q %v", model, family, ok)
	}
}

func TestResolveModelFallbackCycleTerminates(t *testing.T) {
	fallbacks := map[string]string{
		"a": "b",
		"b": "a",
	}
	if _, _, ok := resolveModel("a", fallbacks); ok {
		t.Fatalf("expected cycle to fail resolution")
	}
}

func TestResolveModelKnownModelIgnoresFallbacks(t *testing.T) {
	fallbacks := map[string]string{"codex": "gpt-5.2"}
	model, family, ok := resolveModel("codex", fallbacks)
	if !ok || model != "codex" || family != FamilyCodex {
		t.Fatalf("expected known model untouched, got %q %q %v", model, family, ok)
	}
}

func TestFilterInputDropsReferencesAndIDs(t *testing.T) {
	body := []byte(`{"model":"codex","input":[` +
		`{"type":"item_reference","id":"ref_1"},` +
		`{"type":"message","id":"msg_1","content":"hi"},` +
		`{"type":"message","content":"plain"}]}`)

	out := filterInput(body)
	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 2 {
		t.Fatalf("expected 2 items after filtering, got %d", len(items))
	}
	for _, item := range items {
		if item.Get("type").String() == "item_reference" {
			t.Fatalf("expected item_reference removed")
		}
		if item.Get("id").Exists() {
			t.Fatalf("expected ids stripped, got %s", item.Raw)
		}
	}
	if gjson.GetBytes(out, "model").String() != "codex" {
		t.Fatalf("expected surrounding fields untouched")
	}
}

func TestFilterInputNoChangesReturnsBodyUnchanged(t *testing.T) {
	body := []byte(`{"model":"codex","input":[{"type":"message","content":"hi"}]}`)
	out := filterInput(body)
	if string(out) != string(body) {
		t.Fatalf("expected clean body returned unchanged")
	}
	plain := []byte(`{"model":"codex"}`)
	if string(filterInput(plain)) != string(plain) {
		t.Fatalf("expected body without input array unchanged")
	}
}

func TestFilterInputIsIdempotent(t *testing.T) {
	body := []byte(`{"input":[{"type":"item_reference","id":"r"},{"type":"message","id":"m","content":"x"}]}`)
	once := filterInput(body)
	twice := filterInput(once)
	if string(once) != string(twice) {
		t.Fatalf("expected idempotent filtering:\n%s\n%s", once, twice)
	}
}
