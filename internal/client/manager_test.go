package client

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	transport "github.com/hanpama/graphwatch/internal/transport"
)

const addItemMutation = `mutation AddItem($name: String!) { addItem(name: $name) { id } }`

func TestQueryOneShot(t *testing.T) {
	ft := newFakeTransport(respondWith(map[string]any{"items": []any{"a"}}))
	c := newTestClient(t, ft)

	res, err := c.Query(testCtx(t), QueryOptions{Query: itemsQuery, FetchPolicy: FetchPolicyNetworkOnly})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"items": []any{"a"}}, res.Data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}

	// The transient observation is fully torn down afterwards.
	c.mu.Lock()
	queries, infos := len(c.queries), len(c.infos)
	c.mu.Unlock()
	if queries != 0 || infos != 0 {
		t.Fatalf("one-shot query leaked state: %d queries, %d infos", queries, infos)
	}
}

func TestDefaultPolicies(t *testing.T) {
	ft := newFakeTransport(respondWith(nil))
	c := newTestClient(t, ft,
		WithDefaultFetchPolicy(FetchPolicyCacheAndNetwork),
		WithDefaultErrorPolicy(ErrorPolicyAll),
	)
	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery})
	if err != nil {
		t.Fatal(err)
	}
	opts := oq.Options()
	if opts.FetchPolicy != FetchPolicyCacheAndNetwork {
		t.Fatalf("fetch policy = %q", opts.FetchPolicy)
	}
	if opts.ErrorPolicy != ErrorPolicyAll {
		t.Fatalf("error policy = %q", opts.ErrorPolicy)
	}
}

func TestMutateOptimisticThenAuthoritative(t *testing.T) {
	ft := newFakeTransport(func(op transport.Operation) (*transport.Response, error) {
		if strings.HasPrefix(strings.TrimSpace(op.Query), "mutation") {
			time.Sleep(40 * time.Millisecond)
			return &transport.Response{Data: map[string]any{"addItem": map[string]any{"id": "b"}}}, nil
		}
		return &transport.Response{Data: map[string]any{"items": []any{"a"}}}, nil
	})
	c := newTestClient(t, ft)

	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery, FetchPolicy: FetchPolicyCacheFirst})
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	sub := oq.Subscribe(rec.observer())
	defer sub.Unsubscribe()
	rec.waitResults(t, 2)

	appendItem := func(prev, incoming, _ map[string]any) map[string]any {
		items := append([]any{}, prev["items"].([]any)...)
		items = append(items, incoming["addItem"].(map[string]any)["id"])
		return map[string]any{"items": items}
	}

	res, err := c.Mutate(testCtx(t), MutateOptions{
		Mutation:           addItemMutation,
		Variables:          map[string]any{"name": "b"},
		OptimisticResponse: map[string]any{"addItem": map[string]any{"id": "optimistic"}},
		UpdateQueries:      map[string]UpdateQueryFunc{"Items": appendItem},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"addItem": map[string]any{"id": "b"}}, res.Data); diff != "" {
		t.Fatalf("unexpected mutation result (-want +got):\n%s", diff)
	}

	results := rec.waitResults(t, 4)
	optimistic := results[2].Data
	final := results[3].Data
	if diff := cmp.Diff(map[string]any{"items": []any{"a", "optimistic"}}, optimistic); diff != "" {
		t.Fatalf("unexpected optimistic delivery (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"items": []any{"a", "b"}}, final); diff != "" {
		t.Fatalf("unexpected authoritative delivery (-want +got):\n%s", diff)
	}
}

func TestMutateErrorRollsBackOptimistic(t *testing.T) {
	ft := newFakeTransport(func(op transport.Operation) (*transport.Response, error) {
		if strings.HasPrefix(strings.TrimSpace(op.Query), "mutation") {
			time.Sleep(30 * time.Millisecond)
			return &transport.Response{Errors: gqlErrs("rejected")}, nil
		}
		return &transport.Response{Data: map[string]any{"items": []any{"a"}}}, nil
	})
	c := newTestClient(t, ft)

	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery, FetchPolicy: FetchPolicyCacheFirst})
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	sub := oq.Subscribe(rec.observer())
	defer sub.Unsubscribe()
	rec.waitResults(t, 2)

	_, err = c.Mutate(testCtx(t), MutateOptions{
		Mutation:           addItemMutation,
		Variables:          map[string]any{"name": "x"},
		OptimisticResponse: map[string]any{"addItem": map[string]any{"id": "ghost"}},
		UpdateQueries: map[string]UpdateQueryFunc{"Items": func(prev, incoming, _ map[string]any) map[string]any {
			items := append([]any{}, prev["items"].([]any)...)
			items = append(items, incoming["addItem"].(map[string]any)["id"])
			return map[string]any{"items": items}
		}},
	})
	if err == nil {
		t.Fatal("expected the mutation to fail")
	}

	// The optimistic delivery happened, then the rollback restored the
	// base data without applying the failed result.
	results := rec.waitResults(t, 4)
	if diff := cmp.Diff(map[string]any{"items": []any{"a", "ghost"}}, results[2].Data); diff != "" {
		t.Fatalf("unexpected optimistic delivery (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"items": []any{"a"}}, results[3].Data); diff != "" {
		t.Fatalf("rollback did not restore base data (-want +got):\n%s", diff)
	}
}

func TestResetStoreRefetchesActiveObservations(t *testing.T) {
	ft := newFakeTransport(respondWith(map[string]any{"items": []any{"v1"}}))
	c := newTestClient(t, ft)

	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery, FetchPolicy: FetchPolicyCacheFirst})
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	sub := oq.Subscribe(rec.observer())
	defer sub.Unsubscribe()
	rec.waitResults(t, 2)

	ft.setHandler(respondWith(map[string]any{"items": []any{"v2"}}))
	if err := c.ResetStore(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"items": []any{"v2"}}, oq.GetCurrentResult().Data); diff != "" {
		t.Fatalf("unexpected data after reset (-want +got):\n%s", diff)
	}
	if got := ft.callCount(); got != 2 {
		t.Fatalf("expected 2 network calls, got %d", got)
	}
}

func TestClearStoreDoesNotRefetch(t *testing.T) {
	ft := newFakeTransport(respondWith(map[string]any{"items": []any{"v1"}}))
	c := newTestClient(t, ft)

	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery, FetchPolicy: FetchPolicyCacheFirst})
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	sub := oq.Subscribe(rec.observer())
	defer sub.Unsubscribe()
	rec.waitResults(t, 2)

	c.ClearStore()
	results := rec.waitResults(t, 3)
	if results[2].Data != nil {
		t.Fatalf("watchers should observe an empty diff, got %v", results[2].Data)
	}
	time.Sleep(20 * time.Millisecond)
	if got := ft.callCount(); got != 1 {
		t.Fatalf("ClearStore refetched: %d calls", got)
	}
}

func TestStopRejectsPendingAndFutureWork(t *testing.T) {
	ft := newFakeTransport(respondWith(map[string]any{"items": []any{"a"}}))
	ft.setDelay(100 * time.Millisecond)
	c := newTestClient(t, ft)

	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery, FetchPolicy: FetchPolicyNetworkOnly})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := oq.Result(testCtx(t))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		if err != ErrStopped {
			t.Fatalf("pending waiter got %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending waiter was never rejected")
	}

	if _, err := c.WatchQuery(WatchOptions{Query: itemsQuery}); err != ErrStopped {
		t.Fatalf("WatchQuery after Stop = %v, want ErrStopped", err)
	}
}

func TestRegistryDropsIdleHandles(t *testing.T) {
	ft := newFakeTransport(respondWith(map[string]any{"items": []any{"a"}}))
	c := newTestClient(t, ft)

	oq, err := c.WatchQuery(WatchOptions{Query: itemsQuery, FetchPolicy: FetchPolicyCacheFirst})
	if err != nil {
		t.Fatal(err)
	}
	queryCount := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queries)
	}
	if got := queryCount(); got != 1 {
		t.Fatalf("registry holds %d queries after WatchQuery, want 1", got)
	}

	rec := newRecorder()
	sub := oq.Subscribe(rec.observer())
	rec.waitResults(t, 2)
	sub.Unsubscribe()
	if got := queryCount(); got != 0 {
		t.Fatalf("idle handle pinned in registry: %d entries", got)
	}

	// Re-subscribing re-registers the same handle.
	rec2 := newRecorder()
	sub2 := oq.Subscribe(rec2.observer())
	defer sub2.Unsubscribe()
	rec2.waitResults(t, 1)
	if got := queryCount(); got != 1 {
		t.Fatalf("resubscribed handle missing from registry: %d entries", got)
	}
}

func TestWatchQueryRequiresSource(t *testing.T) {
	ft := newFakeTransport(respondWith(nil))
	c := newTestClient(t, ft)
	if _, err := c.WatchQuery(WatchOptions{}); err == nil {
		t.Fatal("expected an error for empty options")
	}
	if _, err := c.WatchQuery(WatchOptions{Query: "query {"}); err == nil {
		t.Fatal("expected a parse error")
	}
}
