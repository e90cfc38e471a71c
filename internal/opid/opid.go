// Package opid carries per-operation identifiers in context. The id is
// generated once per fetch or mutation cycle and lets event subscribers
// correlate start/finish pairs.
package opid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type key struct{}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a fresh operation id.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewContext returns a copy of parent with a new operation id stored.
// It also returns the generated id.
func NewContext(parent context.Context) (context.Context, string) {
	id := New()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the operation id from ctx.
func FromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(key{})
	id, ok := v.(string)
	return id, ok
}
