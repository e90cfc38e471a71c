// Package client implements the reactive query layer: long-lived query
// observations reconciled against a shared store and a network
// transport under configurable fetch and error policies.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	eventbus "github.com/hanpama/graphwatch/internal/eventbus"
	events "github.com/hanpama/graphwatch/internal/events"
	identity "github.com/hanpama/graphwatch/internal/identity"
	language "github.com/hanpama/graphwatch/internal/language"
	opid "github.com/hanpama/graphwatch/internal/opid"
	store "github.com/hanpama/graphwatch/internal/store"
	transport "github.com/hanpama/graphwatch/internal/transport"
)

// Options configure a Client.
type Options struct {
	// DefaultFetchPolicy applies when WatchOptions leave it empty.
	// Defaults to cache-first.
	DefaultFetchPolicy FetchPolicy

	// DefaultErrorPolicy applies when options leave it empty.
	// Defaults to none.
	DefaultErrorPolicy ErrorPolicy
}

type Option func(*Options)

func WithDefaultFetchPolicy(p FetchPolicy) Option { return func(o *Options) { o.DefaultFetchPolicy = p } }
func WithDefaultErrorPolicy(p ErrorPolicy) Option { return func(o *Options) { o.DefaultErrorPolicy = p } }

// Client is the query manager: it owns the registry mapping query
// identity to shared per-identity state, routes WatchQuery/Query/Mutate
// calls, de-duplicates in-flight network requests, and owns global
// lifecycle.
type Client struct {
	store     store.Store
	transport transport.Transport
	opt       Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	infos    map[string]*queryInfo
	inflight map[string]*inflightRequest
	queries  map[string]*ObservableQuery
	stopped  bool
}

// New creates a Client over the given store and transport.
func New(st store.Store, tp transport.Transport, opts ...Option) *Client {
	opt := Options{
		DefaultFetchPolicy: FetchPolicyCacheFirst,
		DefaultErrorPolicy: ErrorPolicyNone,
	}
	for _, f := range opts {
		f(&opt)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		store:     st,
		transport: tp,
		opt:       opt,
		ctx:       ctx,
		cancel:    cancel,
		infos:     make(map[string]*queryInfo),
		inflight:  make(map[string]*inflightRequest),
		queries:   make(map[string]*ObservableQuery),
	}
}

// Store returns the underlying store.
func (c *Client) Store() store.Store { return c.store }

// WatchQuery creates an ObservableQuery for the options. No fetching
// happens until the first observer subscribes.
func (c *Client) WatchQuery(opts WatchOptions) (*ObservableQuery, error) {
	doc, source, err := c.resolveDocument(opts.Query, opts.Document)
	if err != nil {
		return nil, err
	}
	if opts.FetchPolicy == "" {
		opts.FetchPolicy = c.opt.DefaultFetchPolicy
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = c.opt.DefaultErrorPolicy
	}
	opts.Document = doc

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.mu.Unlock()

	oq := newObservableQuery(c, opts, doc, source)
	qi := c.acquireInfo(source, doc, opts.OperationName, opts.Variables)
	qi.addObserver(oq)
	oq.mu.Lock()
	oq.info = qi
	oq.mu.Unlock()

	c.registerQuery(oq)
	return oq, nil
}

// registerQuery tracks an observation for Stop and ResetStore. Entries
// are dropped again when the last observer unsubscribes, so an idle
// handle does not pin the Client's registry.
func (c *Client) registerQuery(oq *ObservableQuery) {
	c.mu.Lock()
	if !c.stopped {
		c.queries[oq.id] = oq
	}
	c.mu.Unlock()
}

func (c *Client) forgetQuery(oq *ObservableQuery) {
	c.mu.Lock()
	delete(c.queries, oq.id)
	c.mu.Unlock()
}

// Query runs a one-shot query: a transient observation is created,
// awaited until its first non-loading result, then torn down.
func (c *Client) Query(ctx context.Context, opts QueryOptions) (*Result, error) {
	oq, err := c.WatchQuery(WatchOptions{
		Query:         opts.Query,
		Document:      opts.Document,
		OperationName: opts.OperationName,
		Variables:     opts.Variables,
		FetchPolicy:   opts.FetchPolicy,
		ErrorPolicy:   opts.ErrorPolicy,
	})
	if err != nil {
		return nil, err
	}
	res, err := oq.Result(ctx)

	c.forgetQuery(oq)
	oq.shutdown()
	return res, err
}

// Mutate sends a mutation. An optimistic response, when supplied, is
// applied to the store as a rollback-able overlay before the network
// completes, producing an immediate notify to affected watchers; the
// authoritative result replaces it on completion, producing a second.
func (c *Client) Mutate(ctx context.Context, opts MutateOptions) (*Result, error) {
	doc, source, err := c.resolveDocument(opts.Mutation, opts.Document)
	if err != nil {
		return nil, err
	}
	operationName := opts.OperationName
	errPolicy := opts.ErrorPolicy
	if errPolicy == "" {
		errPolicy = c.opt.DefaultErrorPolicy
	}

	var layer string
	if opts.OptimisticResponse != nil {
		layer = opid.New()
		c.store.Batch(func() {
			c.applyUpdateQueries(layer, opts, opts.OptimisticResponse)
		})
	}

	opCtx, _ := opid.NewContext(ctx)
	eventbus.Publish(opCtx, events.MutationStart{
		OperationName: operationName,
		Optimistic:    opts.OptimisticResponse != nil,
	})
	start := time.Now()
	resp, netErr := c.transport.Execute(opCtx, transport.Operation{
		Query:         source,
		OperationName: operationName,
		Variables:     opts.Variables,
		Document:      doc,
	})
	var finishErrs []error
	if netErr != nil {
		finishErrs = append(finishErrs, netErr)
	} else {
		for _, ge := range resp.Errors {
			finishErrs = append(finishErrs, ge)
		}
	}
	eventbus.Publish(opCtx, events.MutationFinish{
		OperationName: operationName,
		Errors:        finishErrs,
		Duration:      time.Since(start),
	})

	applyResult := netErr == nil && resp.Data != nil &&
		(errPolicy != ErrorPolicyNone || len(resp.Errors) == 0)
	c.store.Batch(func() {
		if layer != "" {
			c.store.RemoveOptimistic(layer)
		}
		if applyResult {
			c.applyUpdateQueries("", opts, resp.Data)
		}
	})

	if netErr != nil {
		return nil, netErr
	}
	switch errPolicy {
	case ErrorPolicyNone:
		if len(resp.Errors) > 0 {
			return nil, resp.Errors
		}
		return &Result{Data: resp.Data, NetworkStatus: NetworkStatusReady}, nil
	case ErrorPolicyIgnore:
		return &Result{Data: resp.Data, NetworkStatus: NetworkStatusReady}, nil
	default:
		return &Result{Data: resp.Data, Errors: resp.Errors, NetworkStatus: NetworkStatusReady}, nil
	}
}

// applyUpdateQueries runs the caller-supplied merge functions against
// every currently watched query whose operation name matches, writing
// the merged data either into the named optimistic layer or into the
// base store.
func (c *Client) applyUpdateQueries(layer string, opts MutateOptions, data map[string]any) {
	if len(opts.UpdateQueries) == 0 {
		return
	}
	c.mu.Lock()
	infos := make([]*queryInfo, 0, len(c.infos))
	for _, qi := range c.infos {
		infos = append(infos, qi)
	}
	c.mu.Unlock()

	for _, qi := range infos {
		name := qi.operationName
		if name == "" {
			if op := language.GetOperation(qi.document, ""); op != nil {
				name = op.Name
			}
		}
		fn, ok := opts.UpdateQueries[name]
		if !ok {
			continue
		}
		// The optimistic pass merges over the overlaid view; the
		// authoritative pass must see the base data, not the overlay
		// being rolled back in the same batch.
		prev := c.store.Read(qi.document, qi.operationName, qi.variables, layer != "").Result
		next := fn(prev, data, opts.Variables)
		if next == nil {
			continue
		}
		if layer != "" {
			c.store.WriteOptimistic(layer, qi.document, qi.operationName, qi.variables, next)
		} else {
			c.store.Write(qi.document, qi.operationName, qi.variables, next)
		}
	}
}

// Stop cancels all polling timers, aborts in-flight requests
// (best-effort), tears down store watches and rejects pending waiters.
// The client is unusable afterwards.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	queries := make([]*ObservableQuery, 0, len(c.queries))
	for _, oq := range c.queries {
		queries = append(queries, oq)
	}
	infos := make([]*queryInfo, 0, len(c.infos))
	for _, qi := range c.infos {
		infos = append(infos, qi)
	}
	c.queries = make(map[string]*ObservableQuery)
	c.infos = make(map[string]*queryInfo)
	c.mu.Unlock()

	c.cancel()
	for _, oq := range queries {
		oq.shutdown()
	}
	for _, qi := range infos {
		qi.teardown()
	}
}

// ResetStore clears the store and re-runs the fetch cycle of every
// active non-standby observation as if freshly subscribed. cache-only
// observations resolve immediately to an empty or partial result.
func (c *Client) ResetStore(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	queries := make([]*ObservableQuery, 0, len(c.queries))
	for _, oq := range c.queries {
		queries = append(queries, oq)
	}
	c.mu.Unlock()

	type pending struct {
		oq *ObservableQuery
		ch chan waitOutcome
	}
	var restarts []pending
	for _, oq := range queries {
		oq.mu.Lock()
		active := len(oq.observers) > 0 && !oq.stopped
		policy := oq.options.FetchPolicy
		if !active || policy == FetchPolicyStandby {
			oq.mu.Unlock()
			continue
		}
		oq.epoch++
		oq.networkStatus = NetworkStatusLoading
		oq.mu.Unlock()
		restarts = append(restarts, pending{oq: oq})
	}

	c.store.Reset()

	for i := range restarts {
		oq := restarts[i].oq
		oq.mu.Lock()
		policy := oq.options.FetchPolicy
		epoch := oq.epoch
		oq.mu.Unlock()
		restarts[i].ch = oq.addWaiter()
		c.fetchObservable(oq, fetchSpec{policy: policy, status: NetworkStatusLoading, epoch: epoch})
	}

	var errs []error
	for _, p := range restarts {
		if _, err := p.oq.await(ctx, p.ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearStore clears the store without re-fetching. Watchers observe
// empty diffs.
func (c *Client) ClearStore() {
	c.store.Reset()
}

// resolveDocument parses the query source when no document was given,
// and recovers the source text when only a document was given.
func (c *Client) resolveDocument(source string, doc *language.QueryDocument) (*language.QueryDocument, string, error) {
	if doc == nil {
		if source == "" {
			return nil, "", fmt.Errorf("graphwatch: either Query or Document must be set")
		}
		parsed, err := language.ParseQuery(source)
		if err != nil {
			return nil, "", fmt.Errorf("graphwatch: parse query: %w", err)
		}
		return parsed, source, nil
	}
	if source == "" {
		if len(doc.Operations) > 0 && doc.Operations[0].Position != nil && doc.Operations[0].Position.Src != nil {
			source = doc.Operations[0].Position.Src.Input
		}
	}
	return doc, source, nil
}

// acquireInfo returns the shared per-identity state for the query,
// creating it and registering its store watch on first use. Refcounts
// are guarded by c.mu.
func (c *Client) acquireInfo(source string, doc *language.QueryDocument, operationName string, variables map[string]any) *queryInfo {
	key := identity.Key(doc, operationName, variables)
	c.mu.Lock()
	qi, ok := c.infos[key]
	if !ok {
		qi = newQueryInfo(c, key, source, doc, operationName, variables)
		c.infos[key] = qi
	}
	qi.refs++
	c.mu.Unlock()
	return qi
}

// releaseInfo drops one reference; the last reference tears down the
// watch and unregisters the identity.
func (c *Client) releaseInfo(oq *ObservableQuery, qi *queryInfo) {
	qi.removeObserver(oq)
	c.mu.Lock()
	qi.refs--
	teardown := qi.refs <= 0
	if teardown {
		delete(c.infos, qi.key)
	}
	c.mu.Unlock()
	if teardown {
		qi.teardown()
	}
}

// ensureInfo re-acquires the per-identity state for an observation whose
// last observer had unsubscribed.
func (c *Client) ensureInfo(oq *ObservableQuery) {
	oq.mu.Lock()
	if oq.info != nil || oq.stopped {
		oq.mu.Unlock()
		return
	}
	doc := oq.document
	opName := oq.options.OperationName
	vars := oq.options.Variables
	source := oq.source
	oq.mu.Unlock()

	qi := c.acquireInfo(source, doc, opName, vars)
	qi.addObserver(oq)
	oq.mu.Lock()
	if oq.info == nil {
		oq.info = qi
		oq.mu.Unlock()
		c.registerQuery(oq)
		return
	}
	oq.mu.Unlock()
	c.releaseInfo(oq, qi)
}

// swapInfo moves an observation onto the identity matching its current
// variables, releasing the previous one.
func (c *Client) swapInfo(oq *ObservableQuery) {
	oq.mu.Lock()
	doc := oq.document
	opName := oq.options.OperationName
	vars := oq.options.Variables
	source := oq.source
	oq.mu.Unlock()

	next := c.acquireInfo(source, doc, opName, vars)
	next.addObserver(oq)
	oq.mu.Lock()
	prev := oq.info
	oq.info = next
	oq.mu.Unlock()
	if prev != nil && prev != next {
		c.releaseInfo(oq, prev)
	} else if prev == next {
		c.mu.Lock()
		next.refs--
		c.mu.Unlock()
	}
}
