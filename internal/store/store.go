// Package store defines the cache contract consumed by the query engine
// and provides a document-granular in-memory implementation of it.
//
// The engine only depends on the Store interface: synchronous reads
// producing a Diff, writes that re-evaluate affected watches, optimistic
// overlay writes that can be rolled back, and batches that coalesce
// watch callbacks. Entity normalization and garbage collection are the
// business of richer Store implementations and are invisible to the
// engine.
package store

import (
	"sync"

	"github.com/google/go-cmp/cmp"

	identity "github.com/hanpama/graphwatch/internal/identity"
	language "github.com/hanpama/graphwatch/internal/language"
)

// Diff is a cache snapshot for a query plus a completeness flag.
// Result is nil when the store holds nothing for the query.
type Diff struct {
	Result   map[string]any
	Complete bool
}

// WatchFunc receives re-evaluated diffs for a watched query.
type WatchFunc func(Diff)

// Store is the cache surface consumed by the query engine.
//
// Implementations must deliver at most one watch callback per affected
// watch per Batch, even when multiple writes inside the batch touch the
// same query. Watch callbacks see the optimistic view.
type Store interface {
	// Read returns the current snapshot for the query. When optimistic
	// is true, overlay layers are consulted before the base data.
	Read(document *language.QueryDocument, operationName string, variables map[string]any, optimistic bool) Diff

	// Write stores data for the query and re-evaluates affected watches.
	Write(document *language.QueryDocument, operationName string, variables map[string]any, data map[string]any)

	// WriteOptimistic stores data in a rollback-able overlay identified
	// by layerID. Watches re-evaluate against the overlaid view.
	WriteOptimistic(layerID string, document *language.QueryDocument, operationName string, variables map[string]any, data map[string]any)

	// RemoveOptimistic drops the named overlay and re-evaluates watches
	// that observed it.
	RemoveOptimistic(layerID string)

	// Watch registers fn for the query and returns a cancel func.
	// Cancelling twice is a no-op.
	Watch(document *language.QueryDocument, operationName string, variables map[string]any, fn WatchFunc) (cancel func())

	// Batch runs fn and defers watch callbacks until it returns,
	// delivering at most one callback per affected watch.
	Batch(fn func())

	// Reset discards all data and overlays and notifies every watch
	// with an empty diff.
	Reset()
}

type entry struct {
	data     map[string]any
	complete bool
}

type watcher struct {
	key string
	fn  WatchFunc
}

type overlay struct {
	id      string
	entries map[string]entry
}

// Memory is an in-memory document store. Data is kept per query
// identity; values handed to Write are treated as immutable snapshots
// and returned by Read without copying.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]entry
	overlays []*overlay
	watches  map[int64]*watcher
	nextID   int64

	batchDepth int
	dirty      map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		watches: make(map[int64]*watcher),
		dirty:   make(map[string]struct{}),
	}
}

func (m *Memory) Read(document *language.QueryDocument, operationName string, variables map[string]any, optimistic bool) Diff {
	key := identity.Key(document, operationName, variables)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(key, optimistic)
}

func (m *Memory) readLocked(key string, optimistic bool) Diff {
	if optimistic {
		for i := len(m.overlays) - 1; i >= 0; i-- {
			if e, ok := m.overlays[i].entries[key]; ok {
				return Diff{Result: e.data, Complete: e.complete}
			}
		}
	}
	if e, ok := m.entries[key]; ok {
		return Diff{Result: e.data, Complete: e.complete}
	}
	return Diff{}
}

func (m *Memory) Write(document *language.QueryDocument, operationName string, variables map[string]any, data map[string]any) {
	key := identity.Key(document, operationName, variables)
	m.mu.Lock()
	m.entries[key] = entry{data: data, complete: true}
	m.markDirtyLocked(key)
	m.mu.Unlock()
	m.flush()
}

func (m *Memory) WriteOptimistic(layerID string, document *language.QueryDocument, operationName string, variables map[string]any, data map[string]any) {
	key := identity.Key(document, operationName, variables)
	m.mu.Lock()
	layer := m.layerLocked(layerID)
	layer.entries[key] = entry{data: data, complete: true}
	m.markDirtyLocked(key)
	m.mu.Unlock()
	m.flush()
}

func (m *Memory) layerLocked(id string) *overlay {
	for _, l := range m.overlays {
		if l.id == id {
			return l
		}
	}
	l := &overlay{id: id, entries: make(map[string]entry)}
	m.overlays = append(m.overlays, l)
	return l
}

func (m *Memory) RemoveOptimistic(layerID string) {
	m.mu.Lock()
	for i, l := range m.overlays {
		if l.id == layerID {
			m.overlays = append(m.overlays[:i], m.overlays[i+1:]...)
			for key := range l.entries {
				m.markDirtyLocked(key)
			}
			break
		}
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Memory) Watch(document *language.QueryDocument, operationName string, variables map[string]any, fn WatchFunc) (cancel func()) {
	key := identity.Key(document, operationName, variables)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watches[id] = &watcher{key: key, fn: fn}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watches, id)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) Batch(fn func()) {
	m.mu.Lock()
	m.batchDepth++
	m.mu.Unlock()

	fn()

	m.mu.Lock()
	m.batchDepth--
	m.mu.Unlock()
	m.flush()
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.overlays = nil
	for _, w := range m.watches {
		m.dirty[w.key] = struct{}{}
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Memory) markDirtyLocked(key string) {
	m.dirty[key] = struct{}{}
}

// flush delivers pending watch callbacks. Inside a batch it is a no-op;
// the outermost Batch (or the triggering write) delivers each affected
// watch exactly once.
func (m *Memory) flush() {
	m.mu.Lock()
	if m.batchDepth > 0 || len(m.dirty) == 0 {
		m.mu.Unlock()
		return
	}
	dirty := m.dirty
	m.dirty = make(map[string]struct{})
	type delivery struct {
		fn   WatchFunc
		diff Diff
	}
	var pending []delivery
	for _, w := range m.watches {
		if _, ok := dirty[w.key]; ok {
			pending = append(pending, delivery{fn: w.fn, diff: m.readLocked(w.key, true)})
		}
	}
	m.mu.Unlock()

	for _, d := range pending {
		d.fn(d.diff)
	}
}

// Equal reports structural equality of two diffs. The engine uses it to
// suppress redundant notifications when the store recomputes an object
// graph that is deeply equal but referentially new.
func Equal(a, b Diff) bool {
	return a.Complete == b.Complete && cmp.Equal(a.Result, b.Result)
}
