package octohttp

import (
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRequests bounds total concurrent async calls, spec §4.1.
	DefaultMaxRequests = 64
	// DefaultMaxRequestsPerHost bounds concurrent async calls per host.
	DefaultMaxRequestsPerHost = 5
)

// Dispatcher runs enqueue()'d Calls on a bounded worker pool and enforces
// the per-host admission algorithm of spec §4.1. A Dispatcher is shared by
// every Call created from the same Client.
type Dispatcher struct {
	MaxRequests        int
	MaxRequestsPerHost int
	IdleCallback       func()

	log *zap.Logger

	mu          sync.Mutex
	ready       []*asyncCall
	runningAsync []*asyncCall
	runningSync  []*Call
	hostCounters map[string]*hostCounter

	workers *pool.Pool
}

type hostCounter struct {
	n int
}

func newDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		MaxRequests:        DefaultMaxRequests,
		MaxRequestsPerHost: DefaultMaxRequestsPerHost,
		log:                log,
		hostCounters:       make(map[string]*hostCounter),
	}
	d.workers = pool.New().WithMaxGoroutines(DefaultMaxRequests)
	return d
}

// enqueue implements spec §4.1 enqueue(asyncCall): admit the call to the
// shared per-host counter then run admission.
func (d *Dispatcher) enqueue(a *asyncCall) {
	d.mu.Lock()
	d.ready = append(d.ready, a)
	d.counterFor(a.host()) // ensure the shared counter exists even while queued
	d.mu.Unlock()
	d.promote()
}

// executedSync registers a synchronous Call so cancelAll() can reach it; no
// admission control applies to synchronous calls (spec §4.1: they run on
// the caller's goroutine, outside the dispatcher's queues).
func (d *Dispatcher) executedSync(c *Call) {
	d.mu.Lock()
	d.runningSync = append(d.runningSync, c)
	d.mu.Unlock()
}

func (d *Dispatcher) finishedSync(c *Call) {
	d.mu.Lock()
	for i, rc := range d.runningSync {
		if rc == c {
			d.runningSync = append(d.runningSync[:i], d.runningSync[i+1:]...)
			break
		}
	}
	empty := len(d.runningSync) == 0 && len(d.runningAsync) == 0 && len(d.ready) == 0
	cb := d.IdleCallback
	d.mu.Unlock()
	if empty && cb != nil {
		cb()
	}
}

// counterFor returns the shared counter for host, creating it on first use.
// Counters are kept in hostCounters keyed by host, so every queued and
// running call to the same host shares one counter.
func (d *Dispatcher) counterFor(host string) *hostCounter {
	if c, ok := d.hostCounters[host]; ok {
		return c
	}
	c := &hostCounter{}
	d.hostCounters[host] = c
	return c
}

func (d *Dispatcher) hostInFlight(host string) int {
	if c, ok := d.hostCounters[host]; ok {
		return c.n
	}
	return 0
}

// decideAdmission is the pure core of spec §4.1's admission algorithm: scan
// ready in order, stop at the global cap (no later call can start either),
// skip without stopping at the per-host cap. Split out from promote so the
// stop-vs-skip semantics can be unit tested without a worker pool.
func decideAdmission(ready []*asyncCall, running int, hostInFlight func(string) int, maxRequests, maxRequestsPerHost int) (admitted, remaining []*asyncCall) {
	admittedPerHost := make(map[string]int)
	for i, a := range ready {
		if running+len(admitted) >= maxRequests {
			remaining = append(remaining, ready[i:]...)
			break
		}
		host := a.host()
		if hostInFlight(host)+admittedPerHost[host] >= maxRequestsPerHost {
			remaining = append(remaining, a)
			continue
		}
		admittedPerHost[host]++
		admitted = append(admitted, a)
	}
	return admitted, remaining
}

// promote runs the admission algorithm of spec §4.1: scan ready in order,
// stop at the global cap, skip (don't stop) at the per-host cap.
func (d *Dispatcher) promote() {
	d.mu.Lock()
	admitted, remaining := decideAdmission(d.ready, len(d.runningAsync), d.hostInFlight, d.maxRequests(), d.maxRequestsPerHost())
	for _, a := range admitted {
		d.counterFor(a.host()).n++
	}
	d.ready = remaining
	d.runningAsync = append(d.runningAsync, admitted...)
	d.mu.Unlock()

	for _, a := range admitted {
		a := a
		if err := d.submit(a); err != nil {
			// Executor contract, spec §4.1: failed submission fails the call
			// and removes it from runningAsync.
			d.finished(a)
			if a.cb.OnFailure != nil {
				a.cb.OnFailure(a.call, err)
			}
		}
	}
}

func (d *Dispatcher) submit(a *asyncCall) error {
	d.workers.Go(func() {
		defer d.finished(a)
		a.run()
	})
	return nil
}

func (d *Dispatcher) maxRequests() int {
	if d.MaxRequests > 0 {
		return d.MaxRequests
	}
	return DefaultMaxRequests
}

func (d *Dispatcher) maxRequestsPerHost() int {
	if d.MaxRequestsPerHost > 0 {
		return d.MaxRequestsPerHost
	}
	return DefaultMaxRequestsPerHost
}

// finished implements spec §4.1 finished(asyncCall): decrement the shared
// host counter, re-run admission, and fire idleCallback once if every
// queue has drained.
func (d *Dispatcher) finished(a *asyncCall) {
	d.mu.Lock()
	for i, r := range d.runningAsync {
		if r == a {
			d.runningAsync = append(d.runningAsync[:i], d.runningAsync[i+1:]...)
			break
		}
	}
	if c, ok := d.hostCounters[a.host()]; ok {
		c.n--
	}
	d.mu.Unlock()

	d.promote()

	d.mu.Lock()
	empty := len(d.runningAsync) == 0 && len(d.ready) == 0 && len(d.runningSync) == 0
	cb := d.IdleCallback
	d.mu.Unlock()
	if empty && cb != nil {
		cb()
	}
}

// cancelAll implements spec §4.1 cancelAll(): cancel every call across all
// three queues. Calls removed from ready remain charged to their host
// counter until the callback completes, matching the spec note.
func (d *Dispatcher) cancelAll() {
	d.mu.Lock()
	var calls []*Call
	for _, a := range d.ready {
		calls = append(calls, a.call)
	}
	for _, a := range d.runningAsync {
		calls = append(calls, a.call)
	}
	calls = append(calls, d.runningSync...)
	d.mu.Unlock()

	for _, c := range calls {
		c.Cancel()
	}
}

func (d *Dispatcher) runningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync) + len(d.runningSync)
}

func (d *Dispatcher) queuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}
