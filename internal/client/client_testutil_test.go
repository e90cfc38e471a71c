package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	store "github.com/hanpama/graphwatch/internal/store"
	transport "github.com/hanpama/graphwatch/internal/transport"
)

var errTransportDown = errors.New("transport down")

// fakeTransport scripts network responses and records every operation it
// executes, including the maximum number of concurrently running calls.
type fakeTransport struct {
	mu            sync.Mutex
	calls         []transport.Operation
	running       int
	maxConcurrent int
	delay         time.Duration
	handler       func(op transport.Operation) (*transport.Response, error)
}

func newFakeTransport(handler func(op transport.Operation) (*transport.Response, error)) *fakeTransport {
	return &fakeTransport{handler: handler}
}

// respondWith scripts a fixed successful response.
func respondWith(data map[string]any) func(transport.Operation) (*transport.Response, error) {
	return func(transport.Operation) (*transport.Response, error) {
		return &transport.Response{Data: data}, nil
	}
}

func (f *fakeTransport) Execute(ctx context.Context, op transport.Operation) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.running++
	if f.running > f.maxConcurrent {
		f.maxConcurrent = f.running
	}
	delay := f.delay
	handler := f.handler
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return handler(op)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastCall(t *testing.T) transport.Operation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no transport calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeTransport) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeTransport) setHandler(h func(transport.Operation) (*transport.Response, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// recorder collects deliveries from an observation.
type recorder struct {
	mu      sync.Mutex
	results []*Result
	errs    []error
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) observer() Observer {
	return Observer{
		Next: func(res *Result) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
		},
		Error: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() []*Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Result, len(r.results))
	copy(out, r.results)
	return out
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

// waitResults blocks until at least n deliveries were observed.
func (r *recorder) waitResults(t *testing.T, n int) []*Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res := r.snapshot(); len(res) >= n {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %d", n, len(r.snapshot()))
	return nil
}

func (r *recorder) waitErrors(t *testing.T, n int) []error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if errs := r.errors(); len(errs) >= n {
			return errs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d errors, got %d", n, len(r.errors()))
	return nil
}

func newTestClient(t *testing.T, ft *fakeTransport, opts ...Option) *Client {
	t.Helper()
	c := New(store.NewMemory(), ft, opts...)
	t.Cleanup(c.Stop)
	return c
}

func gqlErrs(messages ...string) gqlerror.List {
	var list gqlerror.List
	for _, m := range messages {
		list = append(list, &gqlerror.Error{Message: m})
	}
	return list
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
