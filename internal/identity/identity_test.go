package identity

import (
	"testing"

	language "github.com/hanpama/graphwatch/internal/language"
)

func mustParse(t *testing.T, source string) *language.QueryDocument {
	t.Helper()
	doc, err := language.ParseQuery(source)
	if err != nil {
		t.Fatalf("parse %q: %v", source, err)
	}
	return doc
}

func TestCanonicalVariablesKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}
	b := map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}
	if got, want := CanonicalVariables(a), CanonicalVariables(b); got != want {
		t.Fatalf("canonical forms differ:\n%s\n%s", got, want)
	}
	want := `{"a":1,"b":2,"nested":{"x":false,"y":true}}`
	if got := CanonicalVariables(a); got != want {
		t.Fatalf("canonical form = %s, want %s", got, want)
	}
}

func TestCanonicalVariablesNilAndEmpty(t *testing.T) {
	if CanonicalVariables(nil) != CanonicalVariables(map[string]any{}) {
		t.Fatal("nil and empty variables canonicalize differently")
	}
	if !Equal(nil, map[string]any{}) {
		t.Fatal("Equal(nil, empty) = false")
	}
}

func TestCanonicalVariablesLists(t *testing.T) {
	got := CanonicalVariables(map[string]any{"ids": []any{3, 1, 2}})
	want := `{"ids":[3,1,2]}`
	if got != want {
		t.Fatalf("list order must be preserved: %s, want %s", got, want)
	}
}

func TestKeyStability(t *testing.T) {
	source := `query Items($after: String) { items(after: $after) { id } }`
	doc1 := mustParse(t, source)
	doc2 := mustParse(t, source)

	vars1 := map[string]any{"after": "a", "limit": 10}
	vars2 := map[string]any{"limit": 10, "after": "a"}
	if Key(doc1, "", vars1) != Key(doc2, "", vars2) {
		t.Fatal("identical queries produced different keys")
	}
	if Key(doc1, "", vars1) == Key(doc1, "", map[string]any{"after": "b", "limit": 10}) {
		t.Fatal("different variables collided")
	}
	if Key(doc1, "", nil) != Key(doc1, "", map[string]any{}) {
		t.Fatal("nil and empty variables produced different keys")
	}

	other := mustParse(t, `query Other { other }`)
	if Key(doc1, "", nil) == Key(other, "", nil) {
		t.Fatal("different documents collided")
	}
}

func TestKeyOperationName(t *testing.T) {
	doc := mustParse(t, `query A { a } query B { b }`)
	if Key(doc, "A", nil) == Key(doc, "B", nil) {
		t.Fatal("operation name ignored in key")
	}
}

func TestEqualDeep(t *testing.T) {
	a := map[string]any{"filter": map[string]any{"tags": []any{"x", "y"}}}
	b := map[string]any{"filter": map[string]any{"tags": []any{"x", "y"}}}
	if !Equal(a, b) {
		t.Fatal("deep-equal maps compared unequal")
	}
	b["filter"].(map[string]any)["tags"] = []any{"y", "x"}
	if Equal(a, b) {
		t.Fatal("list order ignored")
	}
}
