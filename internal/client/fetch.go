package client

import (
	"context"
	"time"

	eventbus "github.com/hanpama/graphwatch/internal/eventbus"
	events "github.com/hanpama/graphwatch/internal/events"
	language "github.com/hanpama/graphwatch/internal/language"
	opid "github.com/hanpama/graphwatch/internal/opid"
	store "github.com/hanpama/graphwatch/internal/store"
	transport "github.com/hanpama/graphwatch/internal/transport"
)

// fetchSpec describes one fetch cycle of an observation.
type fetchSpec struct {
	policy FetchPolicy
	status NetworkStatus
	epoch  uint64

	// forceNetwork skips the cache-read leg even for cache-consulting
	// policies. Set for variables changes and refetches.
	forceNetwork bool
}

// inflightRequest is a network call that later identical requests join
// instead of issuing their own. Completion is broadcast by closing done.
type inflightRequest struct {
	done chan struct{}
	resp *transport.Response
	err  error
}

// fetchObservable runs one cycle of the fetch-policy decision table for
// oq. Cache legs run synchronously on the caller's goroutine so a
// subscriber with a warm cache is served before Subscribe returns; the
// network leg runs asynchronously and is epoch-guarded.
func (c *Client) fetchObservable(oq *ObservableQuery, spec fetchSpec) {
	qi := oq.currentInfo()
	if qi == nil {
		// Control calls (refetch, reobserve) may arrive after the last
		// observer released the shared identity state; re-acquire it.
		c.ensureInfo(oq)
		qi = oq.currentInfo()
	}
	if qi == nil || spec.policy == FetchPolicyStandby {
		return
	}
	if !oq.enterCycle(spec) {
		return
	}

	switch spec.policy {
	case FetchPolicyCacheOnly:
		diff := c.store.Read(qi.document, qi.operationName, qi.variables, true)
		qi.storeDiff(diff)
		oq.completeFromCache(spec, diff)
		return

	case FetchPolicyCacheFirst:
		if !spec.forceNetwork {
			diff := c.store.Read(qi.document, qi.operationName, qi.variables, true)
			qi.storeDiff(diff)
			if diff.Complete {
				oq.completeFromCache(spec, diff)
				return
			}
			oq.pushLoading(spec, diff)
		} else {
			oq.pushLoading(spec, store.Diff{})
		}

	case FetchPolicyCacheAndNetwork:
		if !spec.forceNetwork {
			diff := c.store.Read(qi.document, qi.operationName, qi.variables, true)
			qi.storeDiff(diff)
			oq.pushLoading(spec, diff)
		} else {
			oq.pushLoading(spec, store.Diff{})
		}

	case FetchPolicyNetworkOnly, FetchPolicyNoCache:
		oq.pushLoading(spec, store.Diff{})

	default:
		oq.pushLoading(spec, store.Diff{})
	}

	oq.beginNetwork()
	go func() {
		defer oq.endNetwork()
		resp, err := c.request(c.ctx, requestKey(qi.key, spec.policy), qi, spec.policy)
		oq.completeNetwork(spec, resp, err)
	}()
}

// requestKey is the in-flight dedup key: query identity plus whether the
// result lands in the shared cache.
func requestKey(identityKey string, policy FetchPolicy) string {
	if policy.usesCache() {
		return identityKey + "|cache"
	}
	return identityKey + "|no-cache"
}

// request performs the network call for key, joining an identical
// in-flight call when one exists. The leader runs on the client's
// context so an individual caller abandoning its wait does not starve
// other joiners.
func (c *Client) request(ctx context.Context, key string, qi *queryInfo, policy FetchPolicy) (*transport.Response, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.resp, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflightRequest{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	opCtx, _ := opid.NewContext(ctx)
	opType := language.OperationType(qi.document, qi.operationName)
	eventbus.Publish(opCtx, events.FetchStart{
		OperationName: qi.operationName,
		OperationType: opType,
		FetchPolicy:   string(policy),
		RequestKey:    key,
	})
	start := time.Now()

	resp, err := c.transport.Execute(opCtx, transport.Operation{
		Query:         qi.source,
		OperationName: qi.operationName,
		Variables:     qi.variables,
		Document:      qi.document,
	})

	var errs []error
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, ge := range resp.Errors {
			errs = append(errs, ge)
		}
	}
	eventbus.Publish(opCtx, events.FetchFinish{
		OperationName: qi.operationName,
		OperationType: opType,
		FetchPolicy:   string(policy),
		RequestKey:    key,
		Errors:        errs,
		Duration:      time.Since(start),
	})

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	f.resp, f.err = resp, err
	close(f.done)
	return resp, err
}
