package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"

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

func TestReadAfterWrite(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)

	if got := m.Read(doc, "", nil, true); got.Result != nil || got.Complete {
		t.Fatalf("empty store returned %+v", got)
	}

	data := map[string]any{"a": 1}
	m.Write(doc, "", nil, data)
	got := m.Read(doc, "", nil, true)
	want := Diff{Result: data, Complete: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}

	// Distinct variables are distinct entries.
	if got := m.Read(doc, "", map[string]any{"v": 1}, true); got.Result != nil {
		t.Fatalf("variables leaked across entries: %+v", got)
	}
}

func TestWatchNotifiesOnWrite(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)

	var seen []Diff
	cancel := m.Watch(doc, "", nil, func(d Diff) { seen = append(seen, d) })

	m.Write(doc, "", nil, map[string]any{"a": 1})
	if len(seen) != 1 || !seen[0].Complete {
		t.Fatalf("unexpected notifications: %+v", seen)
	}

	// Writes to other identities stay silent.
	other := mustParse(t, `query B { b }`)
	m.Write(other, "", nil, map[string]any{"b": 2})
	if len(seen) != 1 {
		t.Fatalf("unrelated write notified: %+v", seen)
	}

	cancel()
	cancel() // second cancel is a no-op
	m.Write(doc, "", nil, map[string]any{"a": 3})
	if len(seen) != 1 {
		t.Fatalf("cancelled watch notified: %+v", seen)
	}
}

func TestBatchCoalescesNotifications(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)

	var count int
	m.Watch(doc, "", nil, func(Diff) { count++ })

	m.Batch(func() {
		m.Write(doc, "", nil, map[string]any{"a": 1})
		m.Write(doc, "", nil, map[string]any{"a": 2})
		m.Write(doc, "", nil, map[string]any{"a": 3})
	})
	if count != 1 {
		t.Fatalf("batch delivered %d notifications, want 1", count)
	}

	// The coalesced notification carries the final state.
	got := m.Read(doc, "", nil, true)
	if diff := cmp.Diff(Diff{Result: map[string]any{"a": 3}, Complete: true}, got); diff != "" {
		t.Fatalf("unexpected final state (-want +got):\n%s", diff)
	}
}

func TestNestedBatchFlushesOnce(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)

	var count int
	m.Watch(doc, "", nil, func(Diff) { count++ })

	m.Batch(func() {
		m.Write(doc, "", nil, map[string]any{"a": 1})
		m.Batch(func() {
			m.Write(doc, "", nil, map[string]any{"a": 2})
		})
		if count != 0 {
			t.Fatalf("inner batch flushed early: %d", count)
		}
	})
	if count != 1 {
		t.Fatalf("nested batch delivered %d notifications, want 1", count)
	}
}

func TestOptimisticOverlay(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)

	base := map[string]any{"a": "base"}
	overlayData := map[string]any{"a": "overlay"}
	m.Write(doc, "", nil, base)
	m.WriteOptimistic("layer-1", doc, "", nil, overlayData)

	if got := m.Read(doc, "", nil, true).Result; !cmp.Equal(overlayData, got) {
		t.Fatalf("optimistic read = %v, want overlay", got)
	}
	if got := m.Read(doc, "", nil, false).Result; !cmp.Equal(base, got) {
		t.Fatalf("base read = %v, want base", got)
	}

	m.RemoveOptimistic("layer-1")
	if got := m.Read(doc, "", nil, true).Result; !cmp.Equal(base, got) {
		t.Fatalf("read after rollback = %v, want base", got)
	}
	// Unknown layers are ignored.
	m.RemoveOptimistic("layer-1")
}

func TestOverlayStackingOrder(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)

	m.WriteOptimistic("first", doc, "", nil, map[string]any{"a": 1})
	m.WriteOptimistic("second", doc, "", nil, map[string]any{"a": 2})

	// The most recent layer wins.
	if got := m.Read(doc, "", nil, true).Result["a"]; got != 2 {
		t.Fatalf("top of stack = %v, want 2", got)
	}
	m.RemoveOptimistic("second")
	if got := m.Read(doc, "", nil, true).Result["a"]; got != 1 {
		t.Fatalf("after removing top = %v, want 1", got)
	}
}

func TestRemoveOptimisticNotifiesWatchers(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)
	m.Write(doc, "", nil, map[string]any{"a": "base"})

	var seen []Diff
	m.Watch(doc, "", nil, func(d Diff) { seen = append(seen, d) })

	m.WriteOptimistic("layer", doc, "", nil, map[string]any{"a": "overlay"})
	m.RemoveOptimistic("layer")

	want := []Diff{
		{Result: map[string]any{"a": "overlay"}, Complete: true},
		{Result: map[string]any{"a": "base"}, Complete: true},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("unexpected notifications (-want +got):\n%s", diff)
	}
}

func TestResetClearsEverythingAndNotifies(t *testing.T) {
	m := NewMemory()
	doc := mustParse(t, `query A { a }`)
	m.Write(doc, "", nil, map[string]any{"a": 1})
	m.WriteOptimistic("layer", doc, "", nil, map[string]any{"a": 2})

	var seen []Diff
	m.Watch(doc, "", nil, func(d Diff) { seen = append(seen, d) })

	m.Reset()
	if diff := cmp.Diff([]Diff{{}}, seen); diff != "" {
		t.Fatalf("unexpected notifications (-want +got):\n%s", diff)
	}
	if got := m.Read(doc, "", nil, true); got.Result != nil || got.Complete {
		t.Fatalf("reset left data behind: %+v", got)
	}
}

func TestEqual(t *testing.T) {
	a := Diff{Result: map[string]any{"x": []any{1, 2}}, Complete: true}
	b := Diff{Result: map[string]any{"x": []any{1, 2}}, Complete: true}
	if !Equal(a, b) {
		t.Fatal("structurally equal diffs compared unequal")
	}
	b.Complete = false
	if Equal(a, b) {
		t.Fatal("completeness ignored")
	}
	if !Equal(Diff{}, Diff{}) {
		t.Fatal("empty diffs compared unequal")
	}
}
