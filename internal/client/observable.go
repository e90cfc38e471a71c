package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/go-cmp/cmp"

	identity "github.com/hanpama/graphwatch/internal/identity"
	language "github.com/hanpama/graphwatch/internal/language"
	opid "github.com/hanpama/graphwatch/internal/opid"
	store "github.com/hanpama/graphwatch/internal/store"
	transport "github.com/hanpama/graphwatch/internal/transport"
)

// ErrStopped is returned by operations on a stopped client or a torn
// down observation.
var ErrStopped = errors.New("graphwatch: client stopped")

// Observer receives result deliveries from an ObservableQuery. Nil
// callbacks are skipped; when Error is nil, error deliveries arrive
// through Next as a Result with Error set.
type Observer struct {
	Next  func(*Result)
	Error func(error)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	oq   *ObservableQuery
	id   uint64
	once sync.Once
}

// Unsubscribe removes the observer. Unsubscribing the last observer
// stops polling and releases the shared per-identity watch.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.oq.unsubscribe(s.id) })
}

// ObservableQuery is the public per-subscription handle over one watched
// query: it owns the mutable options, the network status, the polling
// timer and the fetch epoch, and shares per-identity state through its
// queryInfo.
type ObservableQuery struct {
	client *Client
	id     string
	source string

	mu                 sync.Mutex
	document           *language.QueryDocument
	options            WatchOptions
	initialFetchPolicy FetchPolicy
	appliedNextPolicy  bool
	info               *queryInfo
	observers          map[uint64]Observer
	nextObsID          uint64
	epoch              uint64
	networkStatus      NetworkStatus
	inFlight           int
	stopped            bool
	terminated         bool
	waiters            []chan waitOutcome

	deliverMu     sync.Mutex
	lastDelivered *Result

	poll *poller
}

type waitOutcome struct {
	res *Result
	err error
}

func newObservableQuery(c *Client, opts WatchOptions, document *language.QueryDocument, source string) *ObservableQuery {
	oq := &ObservableQuery{
		client:             c,
		id:                 opid.New(),
		source:             source,
		document:           document,
		options:            opts,
		initialFetchPolicy: opts.FetchPolicy,
		observers:          make(map[uint64]Observer),
	}
	oq.poll = &poller{oq: oq}
	return oq
}

// ID is the stable per-instance query id. Two ObservableQueries for
// conceptually equal queries have distinct ids; only network-request
// de-duplication is shared between them.
func (oq *ObservableQuery) ID() string { return oq.id }

// Variables returns the observation's current variables.
func (oq *ObservableQuery) Variables() map[string]any {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	return oq.options.Variables
}

// Options returns a copy of the observation's current options.
func (oq *ObservableQuery) Options() WatchOptions {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	return oq.options
}

func (oq *ObservableQuery) currentInfo() *queryInfo {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	return oq.info
}

// Subscribe registers an observer. The first observer triggers the
// initial fetch-policy evaluation; a complete synchronous cache hit
// under a cache-consulting policy is delivered before Subscribe returns.
// Later observers immediately receive the current result, if any.
func (oq *ObservableQuery) Subscribe(obs Observer) *Subscription {
	oq.mu.Lock()
	if oq.stopped {
		oq.mu.Unlock()
		return &Subscription{oq: oq}
	}
	id := oq.nextObsID
	oq.nextObsID++
	oq.observers[id] = obs
	first := len(oq.observers) == 1
	interval := oq.options.PollInterval
	policy := oq.options.FetchPolicy
	epoch := oq.epoch
	oq.mu.Unlock()

	sub := &Subscription{oq: oq, id: id}
	if first {
		oq.client.ensureInfo(oq)
		oq.client.fetchObservable(oq, fetchSpec{policy: policy, status: NetworkStatusLoading, epoch: epoch})
		if interval > 0 {
			oq.poll.set(interval)
		}
		return sub
	}

	oq.deliverMu.Lock()
	last := oq.lastDelivered
	oq.deliverMu.Unlock()
	if last != nil {
		deliverTo(obs, last)
	}
	return sub
}

func (oq *ObservableQuery) unsubscribe(id uint64) {
	oq.mu.Lock()
	if _, ok := oq.observers[id]; !ok {
		oq.mu.Unlock()
		return
	}
	delete(oq.observers, id)
	last := len(oq.observers) == 0
	info := oq.info
	oq.mu.Unlock()

	if last {
		oq.poll.stop()
		// Forget the replay cache so a future first subscriber is not
		// deduplicated against a delivery nobody is holding anymore.
		oq.deliverMu.Lock()
		oq.lastDelivered = nil
		oq.deliverMu.Unlock()
		if info != nil {
			oq.mu.Lock()
			oq.info = nil
			oq.mu.Unlock()
			oq.client.releaseInfo(oq, info)
		}
		oq.client.forgetQuery(oq)
	}
}

// GetCurrentResult computes a Result synchronously from the last diff
// and the in-flight network state. It never triggers a fetch. The Error
// field is referentially stable across calls while nothing changes.
func (oq *ObservableQuery) GetCurrentResult() *Result {
	oq.mu.Lock()
	qi := oq.info
	doc := oq.document
	opName := oq.options.OperationName
	vars := oq.options.Variables
	oq.mu.Unlock()

	var diff store.Diff
	if qi != nil {
		diff = qi.currentDiff()
	} else {
		diff = oq.client.store.Read(doc, opName, vars, true)
	}

	oq.mu.Lock()
	defer oq.mu.Unlock()
	return oq.buildResultLocked(diff)
}

// buildResultLocked assembles the delivered view of the observation's
// state. Callers hold oq.mu.
func (oq *ObservableQuery) buildResultLocked(diff store.Diff) *Result {
	status := oq.networkStatus
	policy := oq.options.FetchPolicy
	if status == 0 {
		// No cycle has run yet.
		switch {
		case policy == FetchPolicyStandby:
			status = NetworkStatusReady
		case diff.Complete && policy != FetchPolicyNetworkOnly && policy != FetchPolicyNoCache:
			status = NetworkStatusReady
		default:
			status = NetworkStatusLoading
		}
	}

	res := &Result{NetworkStatus: status, Loading: status.Loading()}
	var agg *queryError
	if oq.info != nil {
		agg = oq.info.lastError()
	}
	if status == NetworkStatusError && agg != nil {
		res.Error = agg
		if oq.options.ErrorPolicy == ErrorPolicyAll {
			res.Errors = agg.GraphQLErrors()
			res.Data = diff.Result
		}
		return res
	}

	res.Data = diff.Result
	if !diff.Complete && status.Loading() && !oq.options.ReturnPartialData {
		res.Data = nil
	}
	if res.Data != nil && !diff.Complete {
		res.Partial = true
	}
	if oq.options.ErrorPolicy == ErrorPolicyAll && oq.info != nil {
		res.Errors = oq.info.currentGraphQLErrors()
	}
	return res
}

// enterCycle records the status transition for a new fetch cycle.
// Returns false when the cycle is already stale.
func (oq *ObservableQuery) enterCycle(spec fetchSpec) bool {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	if oq.stopped || spec.epoch != oq.epoch {
		return false
	}
	oq.networkStatus = spec.status
	return true
}

func (oq *ObservableQuery) beginNetwork() {
	oq.mu.Lock()
	oq.inFlight++
	oq.mu.Unlock()
}

func (oq *ObservableQuery) endNetwork() {
	oq.mu.Lock()
	oq.inFlight--
	oq.mu.Unlock()
}

func (oq *ObservableQuery) fetchInFlight() bool {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	return oq.inFlight > 0
}

// pushLoading delivers the in-progress result for a starting cycle.
// Initial cycles always deliver; later cycles only when the caller
// opted into network-status notifications.
func (oq *ObservableQuery) pushLoading(spec fetchSpec, diff store.Diff) {
	oq.mu.Lock()
	notify := spec.status == NetworkStatusLoading || oq.options.NotifyOnNetworkStatusChange
	if spec.epoch != oq.epoch || oq.stopped || !notify {
		oq.mu.Unlock()
		return
	}
	res := &Result{Loading: true, NetworkStatus: spec.status}
	if diff.Complete || oq.options.ReturnPartialData {
		res.Data = diff.Result
	}
	if res.Data != nil && !diff.Complete {
		res.Partial = true
	}
	oq.mu.Unlock()
	oq.push(res)
}

// completeFromCache ends a cycle that was fully satisfied by the store.
func (oq *ObservableQuery) completeFromCache(spec fetchSpec, diff store.Diff) {
	oq.mu.Lock()
	if oq.stopped || spec.epoch != oq.epoch {
		oq.mu.Unlock()
		return
	}
	oq.networkStatus = NetworkStatusReady
	res := &Result{
		Data:          diff.Result,
		NetworkStatus: NetworkStatusReady,
	}
	if diff.Result != nil && !diff.Complete {
		res.Partial = true
	}
	oq.mu.Unlock()
	oq.push(res)
}

// completeNetwork reconciles a finished network call into the cache and
// the observation. Stale epochs are discarded here: the completion ran
// (so joiners of the shared request were served) but its result is
// never delivered to an observer whose variables have moved on.
func (oq *ObservableQuery) completeNetwork(spec fetchSpec, resp *transport.Response, err error) {
	oq.mu.Lock()
	if oq.stopped || spec.epoch != oq.epoch || oq.terminated {
		oq.mu.Unlock()
		return
	}
	qi := oq.info
	if qi == nil {
		// The last observer unsubscribed while the request was in
		// flight; the cycle has nobody left to deliver to.
		oq.mu.Unlock()
		return
	}
	errPolicy := oq.options.ErrorPolicy
	if errPolicy == "" {
		errPolicy = ErrorPolicyNone
	}

	if err != nil {
		qi.recordNetworkError(err)
		oq.networkStatus = NetworkStatusError
		if oq.options.StopOnError {
			oq.terminated = true
		}
		agg := qi.lastError()
		oq.mu.Unlock()
		oq.push(&Result{Error: agg, NetworkStatus: NetworkStatusError})
		return
	}

	gqlErrs := resp.Errors
	switch errPolicy {
	case ErrorPolicyNone:
		if len(gqlErrs) > 0 {
			qi.recordGraphQLErrors(gqlErrs)
			oq.networkStatus = NetworkStatusError
			if oq.options.StopOnError {
				oq.terminated = true
			}
			agg := qi.lastError()
			oq.mu.Unlock()
			oq.push(&Result{Error: agg, NetworkStatus: NetworkStatusError})
			return
		}
		qi.clearErrors()
	case ErrorPolicyIgnore:
		gqlErrs = nil
		qi.clearErrors()
	case ErrorPolicyAll:
		if len(gqlErrs) > 0 {
			qi.recordGraphQLErrors(gqlErrs)
		} else {
			qi.clearErrors()
		}
	}

	if oq.options.NextFetchPolicy != "" && !oq.appliedNextPolicy {
		oq.options.FetchPolicy = oq.options.NextFetchPolicy
		oq.appliedNextPolicy = true
	}
	oq.networkStatus = NetworkStatusReady
	writeBack := spec.policy.usesCache() && resp.Data != nil
	oq.mu.Unlock()

	if writeBack {
		oq.client.store.Write(qi.document, qi.operationName, qi.variables, resp.Data)
		// The write re-evaluates the watch and usually delivers through
		// setDiff; push explicitly so an unchanged diff still resolves
		// waiters.
		diff := qi.currentDiff()
		oq.mu.Lock()
		res := oq.buildResultLocked(diff)
		oq.mu.Unlock()
		oq.push(res)
		return
	}
	oq.push(&Result{Data: resp.Data, Errors: gqlErrs, NetworkStatus: NetworkStatusReady})
}

// onStoreUpdate turns a cache notification into a delivery.
func (oq *ObservableQuery) onStoreUpdate(diff store.Diff) {
	oq.mu.Lock()
	if oq.stopped || oq.terminated || len(oq.observers) == 0 ||
		oq.options.FetchPolicy == FetchPolicyStandby || oq.options.FetchPolicy == FetchPolicyNoCache {
		oq.mu.Unlock()
		return
	}
	res := oq.buildResultLocked(diff)
	oq.mu.Unlock()
	oq.push(res)
}

// push delivers res to all observers unless it is structurally equal to
// the previous delivery. Deliveries are serialized so cycles resolve in
// initiation order; a non-loading push resolves pending waiters.
func (oq *ObservableQuery) push(res *Result) {
	oq.deliverMu.Lock()
	if oq.lastDelivered != nil && resultsEqual(oq.lastDelivered, res) {
		oq.deliverMu.Unlock()
		if !res.Loading {
			oq.fulfillWaiters(res)
		}
		return
	}
	oq.lastDelivered = res
	oq.mu.Lock()
	observers := make([]Observer, 0, len(oq.observers))
	for _, o := range oq.observers {
		observers = append(observers, o)
	}
	oq.mu.Unlock()
	oq.deliverMu.Unlock()

	for _, o := range observers {
		deliverTo(o, res)
	}
	if !res.Loading {
		oq.fulfillWaiters(res)
	}
}

func deliverTo(o Observer, res *Result) {
	if res.Error != nil && o.Error != nil {
		o.Error(res.Error)
		return
	}
	if o.Next != nil {
		o.Next(res)
	}
}

func resultsEqual(a, b *Result) bool {
	if a.Loading != b.Loading || a.NetworkStatus != b.NetworkStatus || a.Partial != b.Partial {
		return false
	}
	if (a.Error == nil) != (b.Error == nil) {
		return false
	}
	if a.Error != nil && a.Error != b.Error {
		return false
	}
	return cmp.Equal(a.Data, b.Data) && cmp.Equal(a.Errors, b.Errors)
}

func (oq *ObservableQuery) addWaiter() chan waitOutcome {
	ch := make(chan waitOutcome, 1)
	oq.mu.Lock()
	oq.waiters = append(oq.waiters, ch)
	oq.mu.Unlock()
	return ch
}

func (oq *ObservableQuery) fulfillWaiters(res *Result) {
	oq.mu.Lock()
	waiters := oq.waiters
	oq.waiters = nil
	oq.mu.Unlock()
	for _, ch := range waiters {
		ch <- waitOutcome{res: res, err: res.Error}
	}
}

func (oq *ObservableQuery) await(ctx context.Context, ch chan waitOutcome) (*Result, error) {
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result resolves with the first non-loading result of the observation,
// or with the first error, then stops listening.
func (oq *ObservableQuery) Result(ctx context.Context) (*Result, error) {
	ch := oq.addWaiter()
	sub := oq.Subscribe(Observer{})
	defer sub.Unsubscribe()

	cur := oq.GetCurrentResult()
	if !cur.Loading {
		oq.drainWaiter(ch)
		if cur.Error != nil {
			return nil, cur.Error
		}
		return cur, nil
	}
	return oq.await(ctx, ch)
}

func (oq *ObservableQuery) drainWaiter(ch chan waitOutcome) {
	oq.mu.Lock()
	for i, w := range oq.waiters {
		if w == ch {
			oq.waiters = append(oq.waiters[:i], oq.waiters[i+1:]...)
			break
		}
	}
	oq.mu.Unlock()
}

// SetVariables switches the observation to new variables. A deep-equal
// variables value resolves immediately without network access. A real
// change abandons the in-flight cycle (its completion is discarded),
// resets the fetch policy to the initial one and starts a fresh
// network-consulting fetch with networkStatus=setVariables.
func (oq *ObservableQuery) SetVariables(ctx context.Context, variables map[string]any) (*Result, error) {
	oq.mu.Lock()
	same := identity.Equal(oq.options.Variables, variables)
	oq.mu.Unlock()
	if same {
		return oq.GetCurrentResult(), nil
	}
	return oq.reobserve(ctx, ChangeOptions{Variables: variables}, NetworkStatusSetVariables)
}

// SetOptions merges the patch into the options and re-evaluates the
// observation; it behaves like SetVariables when variables changed.
func (oq *ObservableQuery) SetOptions(ctx context.Context, patch ChangeOptions) (*Result, error) {
	return oq.reobserve(ctx, patch, 0)
}

// Reobserve is SetOptions under its conventional name.
func (oq *ObservableQuery) Reobserve(ctx context.Context, patch ChangeOptions) (*Result, error) {
	return oq.reobserve(ctx, patch, 0)
}

func (oq *ObservableQuery) reobserve(ctx context.Context, patch ChangeOptions, status NetworkStatus) (*Result, error) {
	oq.mu.Lock()
	if oq.stopped {
		oq.mu.Unlock()
		return nil, ErrStopped
	}
	old := oq.options
	merged := old.merge(patch)
	varsChanged := patch.Variables != nil && !identity.Equal(old.Variables, patch.Variables)
	if varsChanged {
		merged.FetchPolicy = oq.initialFetchPolicy
		oq.appliedNextPolicy = false
		oq.terminated = false
		oq.epoch++
		if status == 0 {
			status = NetworkStatusSetVariables
		}
	}
	oq.options = merged
	if status == 0 {
		status = NetworkStatusLoading
	}
	policy := merged.FetchPolicy
	epoch := oq.epoch
	pollChanged := patch.PollInterval != nil
	interval := merged.PollInterval
	hasObservers := len(oq.observers) > 0
	oq.mu.Unlock()

	if varsChanged {
		oq.client.swapInfo(oq)
	}
	if pollChanged {
		if interval > 0 && hasObservers {
			oq.poll.set(interval)
		} else {
			oq.poll.stop()
		}
	}
	if policy == FetchPolicyStandby {
		return oq.GetCurrentResult(), nil
	}

	ch := oq.addWaiter()
	oq.client.fetchObservable(oq, fetchSpec{
		policy:       policy,
		status:       status,
		epoch:        epoch,
		forceNetwork: varsChanged && policy != FetchPolicyCacheOnly,
	})
	return oq.await(ctx, ch)
}

// Refetch forces a network round-trip regardless of the current fetch
// policy (no-cache stays no-cache). A non-nil variables argument is
// merged over the current variables.
func (oq *ObservableQuery) Refetch(ctx context.Context, variables map[string]any) (*Result, error) {
	oq.mu.Lock()
	if oq.stopped {
		oq.mu.Unlock()
		return nil, ErrStopped
	}
	doc := oq.document
	if variables != nil {
		if _, ok := variables["variables"]; ok && !language.HasVariable(doc, "variables") {
			glog.Warningf(
				"graphwatch: Refetch was called with a map containing a %q key, but %q declares no $variables variable; the map is passed through as literal variables. Did you mean Refetch(ctx, vars)?",
				"variables", oq.operationLabelLocked())
		}
		next := make(map[string]any, len(oq.options.Variables)+len(variables))
		for k, v := range oq.options.Variables {
			next[k] = v
		}
		for k, v := range variables {
			next[k] = v
		}
		if !identity.Equal(next, oq.options.Variables) {
			oq.options.Variables = next
			oq.epoch++
		}
	}
	policy := FetchPolicyNetworkOnly
	if oq.options.FetchPolicy == FetchPolicyNoCache {
		policy = FetchPolicyNoCache
	}
	oq.terminated = false
	epoch := oq.epoch
	varsMoved := oq.info != nil && !identity.Equal(oq.info.variables, oq.options.Variables)
	oq.mu.Unlock()

	if varsMoved {
		oq.client.swapInfo(oq)
	}

	ch := oq.addWaiter()
	oq.client.fetchObservable(oq, fetchSpec{
		policy:       policy,
		status:       NetworkStatusRefetch,
		epoch:        epoch,
		forceNetwork: true,
	})
	return oq.await(ctx, ch)
}

func (oq *ObservableQuery) operationLabelLocked() string {
	if oq.options.OperationName != "" {
		return oq.options.OperationName
	}
	if op := language.GetOperation(oq.document, ""); op != nil && op.Name != "" {
		return op.Name
	}
	return "(anonymous operation)"
}

// FetchMore runs a pagination request with merged variables and folds
// the response into the observation's cached data.
func (oq *ObservableQuery) FetchMore(ctx context.Context, opts FetchMoreOptions) (*Result, error) {
	oq.client.ensureInfo(oq)
	oq.mu.Lock()
	if oq.stopped {
		oq.mu.Unlock()
		return nil, ErrStopped
	}
	qi := oq.info
	vars := make(map[string]any, len(oq.options.Variables)+len(opts.Variables))
	for k, v := range oq.options.Variables {
		vars[k] = v
	}
	for k, v := range opts.Variables {
		vars[k] = v
	}
	epoch := oq.epoch
	oq.networkStatus = NetworkStatusFetchMore
	notify := oq.options.NotifyOnNetworkStatusChange
	oq.mu.Unlock()
	if qi == nil {
		return nil, ErrStopped
	}

	if notify {
		oq.pushLoading(fetchSpec{status: NetworkStatusFetchMore, epoch: epoch}, qi.currentDiff())
	}

	key := requestKey(identity.Key(qi.document, qi.operationName, vars), FetchPolicyNoCache)
	fetchQI := &queryInfo{
		client:        oq.client,
		key:           key,
		source:        qi.source,
		document:      qi.document,
		operationName: qi.operationName,
		variables:     vars,
	}

	oq.beginNetwork()
	resp, err := oq.client.request(oq.client.ctx, key, fetchQI, FetchPolicyNoCache)
	oq.endNetwork()

	oq.mu.Lock()
	if oq.stopped || epoch != oq.epoch {
		oq.mu.Unlock()
		return nil, ErrStopped
	}
	errPolicy := oq.options.ErrorPolicy
	oq.mu.Unlock()

	if err != nil {
		qi.recordNetworkError(err)
		oq.setStatus(NetworkStatusError)
		agg := qi.lastError()
		oq.push(&Result{Error: agg, NetworkStatus: NetworkStatusError})
		return nil, agg
	}
	if len(resp.Errors) > 0 && errPolicy != ErrorPolicyAll && errPolicy != ErrorPolicyIgnore {
		qi.recordGraphQLErrors(resp.Errors)
		oq.setStatus(NetworkStatusError)
		agg := qi.lastError()
		oq.push(&Result{Error: agg, NetworkStatus: NetworkStatusError})
		return nil, agg
	}

	if opts.UpdateQuery != nil {
		prev := qi.currentDiff().Result
		next := opts.UpdateQuery(prev, resp.Data, vars)
		oq.setStatus(NetworkStatusReady)
		oq.client.store.Write(qi.document, qi.operationName, qi.variables, next)
	} else {
		oq.setStatus(NetworkStatusReady)
		oq.client.store.Write(qi.document, qi.operationName, qi.variables, resp.Data)
	}

	diff := qi.currentDiff()
	oq.mu.Lock()
	res := oq.buildResultLocked(diff)
	oq.mu.Unlock()
	oq.push(res)
	return res, nil
}

func (oq *ObservableQuery) setStatus(s NetworkStatus) {
	oq.mu.Lock()
	oq.networkStatus = s
	oq.mu.Unlock()
}

// StartPolling (re)starts the polling timer with the given interval.
func (oq *ObservableQuery) StartPolling(interval time.Duration) {
	oq.mu.Lock()
	oq.options.PollInterval = interval
	hasObservers := len(oq.observers) > 0
	oq.mu.Unlock()
	if interval > 0 && hasObservers {
		oq.poll.set(interval)
	} else if interval <= 0 {
		oq.poll.stop()
	}
}

// StopPolling cancels the polling timer.
func (oq *ObservableQuery) StopPolling() {
	oq.mu.Lock()
	oq.options.PollInterval = 0
	oq.mu.Unlock()
	oq.poll.stop()
}

// ResetQueryStoreErrors clears recorded GraphQL and network errors
// without touching data or triggering a refetch.
func (oq *ObservableQuery) ResetQueryStoreErrors() {
	oq.mu.Lock()
	qi := oq.info
	oq.terminated = false
	if oq.networkStatus == NetworkStatusError {
		oq.networkStatus = NetworkStatusReady
	}
	oq.mu.Unlock()
	if qi != nil {
		qi.clearErrors()
	}
}

// GetLastError returns the error recorded by the most recent failed
// cycle, or nil.
func (oq *ObservableQuery) GetLastError() error {
	qi := oq.currentInfo()
	if qi == nil {
		return nil
	}
	if agg := qi.lastError(); agg != nil {
		return agg
	}
	return nil
}

// shutdown tears the observation down. Pending waiters are rejected and
// no further deliveries occur.
func (oq *ObservableQuery) shutdown() {
	oq.poll.stop()
	oq.mu.Lock()
	if oq.stopped {
		oq.mu.Unlock()
		return
	}
	oq.stopped = true
	oq.epoch++
	info := oq.info
	oq.info = nil
	waiters := oq.waiters
	oq.waiters = nil
	oq.observers = make(map[uint64]Observer)
	oq.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitOutcome{err: ErrStopped}
	}
	if info != nil {
		oq.client.releaseInfo(oq, info)
	}
}

// ResultStream is a derived, read-only view of an ObservableQuery
// produced by Map. It deliberately exposes no control surface: a
// transformed view cannot change variables or force fetches.
type ResultStream struct {
	subscribe func(Observer) *Subscription
}

// Map produces a derived stream whose deliveries are transformed by fn.
func (oq *ObservableQuery) Map(fn func(Result) Result) *ResultStream {
	return &ResultStream{subscribe: func(obs Observer) *Subscription {
		return oq.Subscribe(Observer{
			Next: func(res *Result) {
				if obs.Next != nil {
					mapped := fn(*res)
					obs.Next(&mapped)
				}
			},
			Error: obs.Error,
		})
	}}
}

// Subscribe attaches an observer to the derived stream.
func (rs *ResultStream) Subscribe(obs Observer) *Subscription {
	return rs.subscribe(obs)
}

// Map composes a further transformation over the stream.
func (rs *ResultStream) Map(fn func(Result) Result) *ResultStream {
	inner := rs.subscribe
	return &ResultStream{subscribe: func(obs Observer) *Subscription {
		return inner(Observer{
			Next: func(res *Result) {
				if obs.Next != nil {
					mapped := fn(*res)
					obs.Next(&mapped)
				}
			},
			Error: obs.Error,
		})
	}}
}
