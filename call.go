package octohttp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Callback receives the terminal outcome of an enqueue()'d Call, invoked
// exactly once on the dispatcher worker that drove the call (spec §4.8).
type Callback struct {
	OnResponse func(call *Call, resp *http.Response)
	OnFailure  func(call *Call, err error)
}

// Call is one request attempt, from the caller's point of view: spec §4.8.
// A Call is used for a single request/response(-chain); retries and
// redirects are internal to execute()/enqueue(), not separate Calls.
type Call struct {
	ID uuid.UUID

	client  *Client
	request *http.Request
	log     *zap.Logger

	executed  atomic.Bool
	cancelled atomic.Bool

	mu              sync.Mutex // guards the fields below; never held during I/O (spec §5)
	exchange        *exchangeHandle
	exchangeFinders map[string]any // endpoint key -> *pool.ExchangeFinder, stored as any to avoid importing internal/pool here
	noMoreExchanges bool
	cancelFunc      context.CancelFunc
	deadline        time.Time
}

func newCall(client *Client, req *http.Request, log *zap.Logger) *Call {
	if log == nil {
		log = zap.NewNop()
	}
	return &Call{ID: uuid.New(), client: client, request: req, log: log}
}

// Request returns the original request this Call was created for.
func (c *Call) Request() *http.Request { return c.request }

// IsExecuted reports whether Execute or Enqueue has already been called.
// A Call may run at most once (spec §4.8 "set executed").
func (c *Call) IsExecuted() bool { return c.executed.Load() }

// IsCancelled reports whether Cancel has been called, at any point in the
// Call's lifetime.
func (c *Call) IsCancelled() bool { return c.cancelled.Load() }

// Cancel is idempotent (spec §4.8): cancels any in-flight exchange and the
// in-progress connect attempt, and closes the underlying socket. Safe to
// call from any goroutine, any number of times.
func (c *Call) Cancel() {
	if !c.cancelled.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	cancelFunc := c.cancelFunc
	exch := c.exchange
	c.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}
	if exch != nil {
		exch.cancel()
	}
}

// Execute runs the call synchronously on the caller's goroutine (spec
// §4.8 execute()). It may be called at most once per Call.
func (c *Call) Execute() (*http.Response, error) {
	if !c.executed.CompareAndSwap(false, true) {
		return nil, &ProtocolError{Msg: "Call.Execute called more than once"}
	}
	c.client.dispatcher.executedSync(c)
	defer c.client.dispatcher.finishedSync(c)
	return c.runWithDeadline()
}

// Enqueue hands the call off to the Client's Dispatcher (spec §4.8
// enqueue()); cb's methods are invoked exactly once, on the worker
// goroutine that drove the call. Enqueue returns immediately.
func (c *Call) Enqueue(cb Callback) {
	if !c.executed.CompareAndSwap(false, true) {
		if cb.OnFailure != nil {
			cb.OnFailure(c, &ProtocolError{Msg: "Call.Enqueue called more than once"})
		}
		return
	}
	c.client.dispatcher.enqueue(&asyncCall{call: c, cb: cb})
}

// runWithDeadline wraps getResponseWithInterceptorChain with the call-level
// timeout (spec §4.8: "on failure translate a deadline expiration to a
// timeout error").
func (c *Call) runWithDeadline() (*http.Response, error) {
	if c.cancelled.Load() {
		return nil, &CanceledError{}
	}

	ctx := c.request.Context()
	var cancel context.CancelFunc
	if timeout := c.client.callTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.mu.Lock()
	c.cancelFunc = cancel
	c.deadline, _ = ctx.Deadline()
	c.mu.Unlock()
	defer cancel()
	if c.cancelled.Load() {
		cancel() // Cancel ran before cancelFunc was published
	}
	req := c.request.WithContext(ctx)

	resp, err := c.client.getResponseWithInterceptorChain(c, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Phase: CallTimeout, Cause: err}
		}
		if c.cancelled.Load() {
			return nil, &CanceledError{Cause: err}
		}
		return nil, err
	}
	return resp, nil
}

// finderForEndpoint returns this Call's ExchangeFinder for endpoint,
// creating it on first use via newFinder. A Call reuses the same finder
// across every retry attempt within RetryAndFollowUpInterceptor's loop, so
// failure counters and route-selector state (spec §4.6) accumulate across
// attempts instead of resetting each time.
func (c *Call) finderForEndpoint(key string, newFinder func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchangeFinders == nil {
		c.exchangeFinders = make(map[string]any)
	}
	if f, ok := c.exchangeFinders[key]; ok {
		return f
	}
	f := newFinder()
	c.exchangeFinders[key] = f
	return f
}

// bindExchange records the live exchange handle so Cancel can reach it;
// called by ConnectInterceptor once a connection is acquired.
func (c *Call) bindExchange(e *exchangeHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchange = e
}

// releaseExchange clears the bound exchange on completion (spec §4.8
// resource-release invariants): "on Exchange completion release it."
func (c *Call) releaseExchange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchange = nil
}

// asyncCall is the Dispatcher's unit of queued work (spec §4.1).
type asyncCall struct {
	call *Call
	cb   Callback
}

func (a *asyncCall) host() string {
	return a.call.request.URL.Host
}

func (a *asyncCall) run() {
	resp, err := a.call.runWithDeadline()
	if err != nil {
		if a.cb.OnFailure != nil {
			a.cb.OnFailure(a.call, err)
		}
		return
	}
	if a.cb.OnResponse != nil {
		a.cb.OnResponse(a.call, resp)
	}
}
