package client

import (
	"context"
	"sync"

	"github.com/vektah/gqlparser/v2/gqlerror"

	eventbus "github.com/hanpama/graphwatch/internal/eventbus"
	events "github.com/hanpama/graphwatch/internal/events"
	language "github.com/hanpama/graphwatch/internal/language"
	store "github.com/hanpama/graphwatch/internal/store"
)

// queryInfo is the per-identity bookkeeping shared by every
// ObservableQuery watching the same (document, variables) pair. It owns
// the single store watch for the identity and decides, by value
// equality, whether a cache change is worth notifying.
type queryInfo struct {
	client        *Client
	key           string
	source        string
	document      *language.QueryDocument
	operationName string
	variables     map[string]any

	mu            sync.Mutex
	lastDiff      *store.Diff
	graphQLErrors gqlerror.List
	networkError  error
	aggregate     *queryError
	observers     map[*ObservableQuery]struct{}
	cancelWatch   func()
	refs          int
}

func newQueryInfo(c *Client, key, source string, document *language.QueryDocument, operationName string, variables map[string]any) *queryInfo {
	qi := &queryInfo{
		client:        c,
		key:           key,
		source:        source,
		document:      document,
		operationName: operationName,
		variables:     variables,
		observers:     make(map[*ObservableQuery]struct{}),
	}
	qi.cancelWatch = c.store.Watch(document, operationName, variables, qi.setDiff)
	return qi
}

// setDiff is the store watch callback. A notification is pushed to
// observers only when the diff differs structurally from the previous
// one; the store recomputing an equal-but-referentially-new object graph
// must not wake anyone.
func (qi *queryInfo) setDiff(diff store.Diff) {
	qi.mu.Lock()
	changed := qi.lastDiff == nil || !store.Equal(*qi.lastDiff, diff)
	qi.lastDiff = &diff
	observers := qi.observersLocked()
	qi.mu.Unlock()

	if !changed {
		return
	}
	eventbus.Publish(context.Background(), events.StoreNotify{
		OperationName: qi.operationName,
		Observers:     len(observers),
		Complete:      diff.Complete,
	})
	for _, oq := range observers {
		oq.onStoreUpdate(diff)
	}
}

// storeDiff records a diff observed through a synchronous read without
// notifying anyone; the reading fetch cycle delivers its own results.
func (qi *queryInfo) storeDiff(diff store.Diff) {
	qi.mu.Lock()
	qi.lastDiff = &diff
	qi.mu.Unlock()
}

// currentDiff returns the last seen diff, reading through to the store
// when none has been recorded yet.
func (qi *queryInfo) currentDiff() store.Diff {
	qi.mu.Lock()
	if qi.lastDiff != nil {
		d := *qi.lastDiff
		qi.mu.Unlock()
		return d
	}
	qi.mu.Unlock()

	diff := qi.client.store.Read(qi.document, qi.operationName, qi.variables, true)
	qi.storeDiff(diff)
	return diff
}

func (qi *queryInfo) observersLocked() []*ObservableQuery {
	out := make([]*ObservableQuery, 0, len(qi.observers))
	for oq := range qi.observers {
		out = append(out, oq)
	}
	return out
}

func (qi *queryInfo) addObserver(oq *ObservableQuery) {
	qi.mu.Lock()
	qi.observers[oq] = struct{}{}
	qi.mu.Unlock()
}

func (qi *queryInfo) removeObserver(oq *ObservableQuery) {
	qi.mu.Lock()
	delete(qi.observers, oq)
	qi.mu.Unlock()
}

func (qi *queryInfo) recordNetworkError(err error) {
	qi.mu.Lock()
	qi.networkError = err
	qi.aggregate = &queryError{networkError: err, graphQLErrors: qi.graphQLErrors}
	qi.mu.Unlock()
}

func (qi *queryInfo) recordGraphQLErrors(errs gqlerror.List) {
	qi.mu.Lock()
	qi.graphQLErrors = errs
	qi.aggregate = &queryError{networkError: qi.networkError, graphQLErrors: errs}
	qi.mu.Unlock()
}

// clearErrors wipes error state after a successful cycle.
func (qi *queryInfo) clearErrors() {
	qi.mu.Lock()
	qi.graphQLErrors = nil
	qi.networkError = nil
	qi.aggregate = nil
	qi.mu.Unlock()
}

// lastError returns the recorded aggregate. The pointer is stable until
// new errors are recorded or the state is cleared, so consumers can
// compare results by identity.
func (qi *queryInfo) lastError() *queryError {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	if qi.aggregate == nil {
		return nil
	}
	return qi.aggregate
}

func (qi *queryInfo) currentGraphQLErrors() gqlerror.List {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	return qi.graphQLErrors
}

func (qi *queryInfo) teardown() {
	qi.mu.Lock()
	cancel := qi.cancelWatch
	qi.cancelWatch = nil
	qi.observers = make(map[*ObservableQuery]struct{})
	qi.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
