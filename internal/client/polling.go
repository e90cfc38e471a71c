package client

import (
	"sync"
	"time"
)

// poller drives periodic refetches of one ObservableQuery. It runs only
// while at least one observer is subscribed; ticks that land while a
// fetch of any origin is in flight are skipped, never queued.
type poller struct {
	oq *ObservableQuery

	mu     sync.Mutex
	cancel chan struct{}
}

// set (re)starts the timer with the given interval, rescheduling from
// now rather than preserving the previous phase.
func (p *poller) set(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		close(p.cancel)
		p.cancel = nil
	}
	if interval <= 0 {
		return
	}
	ch := make(chan struct{})
	p.cancel = ch
	go p.loop(interval, ch)
}

func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		close(p.cancel)
		p.cancel = nil
	}
}

func (p *poller) loop(interval time.Duration, cancel chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			p.oq.pollTick()
		}
	}
}

// pollTick requests one poll-driven fetch cycle.
func (oq *ObservableQuery) pollTick() {
	oq.mu.Lock()
	skip := oq.stopped || oq.terminated || len(oq.observers) == 0 || oq.inFlight > 0
	policy := oq.options.FetchPolicy
	if policy == FetchPolicyCacheOnly || policy == FetchPolicyStandby {
		skip = true
	}
	epoch := oq.epoch
	oq.mu.Unlock()
	if skip {
		return
	}
	// A poll tick always goes to the network; a warm cache would
	// otherwise satisfy cache-consulting policies forever.
	if policy != FetchPolicyNoCache {
		policy = FetchPolicyNetworkOnly
	}
	oq.client.fetchObservable(oq, fetchSpec{policy: policy, status: NetworkStatusPoll, epoch: epoch, forceNetwork: true})
}
