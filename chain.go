package octohttp

import (
	"net/http"

	"go.uber.org/zap"
)

// Interceptor replaces the class-hierarchy the original engine used for
// application vs. network interceptors (spec §9 "Interceptor polymorphism")
// with one method and a chain position the driver inspects to decide which
// invariants apply.
type Interceptor interface {
	Intercept(chain *Chain) (*http.Response, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(chain *Chain) (*http.Response, error)

func (f InterceptorFunc) Intercept(chain *Chain) (*http.Response, error) { return f(chain) }

// Chain is one node of the interceptor pipeline. Proceed constructs the
// next node sharing the same list and an incremented index, then invokes
// that interceptor. The returned response is never nil when err is nil.
type Chain struct {
	interceptors []Interceptor
	index        int

	call       *Call
	request    *http.Request
	exchange   *exchangeHandle // non-nil once a connection has been obtained
	log        *zap.Logger
	calls      int // guards invariant 1: proceed-exactly-once past the exchange position
	connectIdx int // index of ConnectInterceptor in the standard chain, -1 if unknown
}

// Call returns the Call this chain is driving.
func (c *Chain) Call() *Call { return c.call }

// Request returns the request as of this chain position.
func (c *Chain) Request() *http.Request { return c.request }

// Proceed invokes the next interceptor in the chain with (possibly
// rewritten) request req, enforcing spec §4.2's driver invariants.
func (c *Chain) Proceed(req *http.Request) (*http.Response, error) {
	return c.proceed(req, c.exchange)
}

// ProceedWithExchange is Proceed, but also binds exch onto every chain node
// from here on: only ConnectInterceptor calls this, once a Connection has
// been obtained, so invariants 1-3 (spec §4.2) start applying to the
// network interceptors and CallServerInterceptor that follow it.
func (c *Chain) ProceedWithExchange(req *http.Request, exch *exchangeHandle) (*http.Response, error) {
	return c.proceed(req, exch)
}

func (c *Chain) proceed(req *http.Request, exch *exchangeHandle) (*http.Response, error) {
	if c.index >= len(c.interceptors) {
		return nil, &ProtocolError{Msg: "chain exhausted without a terminal interceptor"}
	}

	next := &Chain{
		interceptors: c.interceptors,
		index:        c.index + 1,
		call:         c.call,
		request:      req,
		exchange:     exch,
		log:          c.log,
		connectIdx:   c.connectIdx,
	}

	if c.exchange != nil {
		// Invariant 1: past the connect position, a node with a non-nil
		// exchange must be proceeded exactly once.
		if c.calls != 0 {
			return nil, &ProtocolError{Msg: "network interceptor called proceed more than once"}
		}
		c.calls++
		// Invariant 3: network interceptors must not change host/port
		// relative to the bound connection.
		if !c.exchange.connSupportsURL(req.URL) {
			return nil, &ProtocolError{Msg: "network interceptor changed the request's host/port"}
		}
	}

	interceptor := c.interceptors[c.index]
	resp, err := interceptor.Intercept(next)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &ProtocolError{Msg: "interceptor returned a nil response without an error"}
	}

	// Invariant 2: once a connection is obtained, the returned response
	// must carry a non-nil body. Checked against exch (the exchange just
	// bound onto the interceptor that was invoked), not c.exchange (this
	// chain node's own, which is only set starting one hop later) — else
	// the invariant would never fire when CallServerInterceptor is the
	// only node after ConnectInterceptor.
	if exch != nil && resp.Body == nil {
		return nil, &ProtocolError{Msg: "network interceptor returned a response with a nil body"}
	}
	// Invariant 1, other half: a network interceptor that returns without
	// calling proceed is rejected as well. The last interceptor in the list
	// has nothing to proceed to and is exempt.
	if exch != nil && next.index < len(c.interceptors) && next.calls != 1 {
		return nil, &ProtocolError{Msg: "network interceptor must call proceed exactly once"}
	}
	return resp, nil
}

// StandardChain assembles the fixed pipeline described in spec §4.2:
// user application interceptors, retry/follow-up, bridge, cache, connect,
// user network interceptors, call-server.
func StandardChain(call *Call, application, network []Interceptor, retry, bridge, cache, connect, callServer Interceptor) []Interceptor {
	all := make([]Interceptor, 0, len(application)+len(network)+5)
	all = append(all, application...)
	all = append(all, retry, bridge, cache, connect)
	all = append(all, network...)
	all = append(all, callServer)
	return all
}
