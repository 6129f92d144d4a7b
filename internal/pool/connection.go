// Package pool implements the connection pool, route selection/coalescing
// and exchange-finding machinery of spec §4.6: ConnectionPool, Route,
// RouteSelector, RouteDatabase and ExchangeFinder. It is grounded on the
// teacher's net/http-fork Transport (src/http/transport.go) and its
// persistConn (src/http/tport/persist_conn.go) — idle-connection LRU,
// eligibility checks before reuse, and per-finder failure counters all
// descend from that code, generalized from "one fixed HTTP/1.1 dialer" to
// pluggable wire.Codec-backed connections with HTTP/2 coalescing.
package pool

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/badu/octohttp/internal/wire"
	"github.com/badu/octohttp/transport"
)

// CallRef is the "weak reference to a Call" the spec models: Connection
// holds these to fan out cancellation and to detect leaked exchanges. Go
// has no weak references (spec §9), so this is an explicit deregistration
// contract instead: ConnectInterceptor detaches its CallRef when done,
// and ConnectionPool's leak sweep treats a Connection whose exchange count
// hasn't dropped across two cleanup ticks, combined with a body-not-closed
// signal from the Exchange, as a leak.
type CallRef struct {
	CallID     string
	CapturedAt time.Time
	StackTrace string
	bodyClosed *atomic.Bool
}

// NewCallRef starts tracking one Call's Exchange on a Connection. bodyClosed
// must be flipped to true when the exchange's response body is closed;
// ConnectionPool's cleanup pass uses it for leak detection.
func NewCallRef(callID, stack string) *CallRef {
	return &CallRef{CallID: callID, CapturedAt: time.Now(), StackTrace: stack, bodyClosed: atomic.NewBool(false)}
}

func (r *CallRef) MarkBodyClosed() { r.bodyClosed.Store(true) }
func (r *CallRef) Leaked() bool    { return !r.bodyClosed.Load() }

// Connection is a live socket bound to one Route (spec §3).
type Connection struct {
	Route    transport.Route
	Protocol transport.Protocol
	conn     net.Conn
	tlsState *tls.ConnectionState

	// h2 is non-nil for multiplexed connections; NewExchange dispenses a
	// fresh wire.Codec (one stream) from it instead of reusing a
	// single-shot HTTP/1.1 codec.
	h2 H2Dialer

	mu                 sync.Mutex
	calls              []*CallRef
	successCount       int
	routeFailureCount  int
	noNewExchanges     bool
	noCoalescing       bool // set after a 421 misdirected request (spec §4.3 table)
	idleAtNs           int64
	handshakeDoneNs    int64
	inFlightH1Reserved bool // only one concurrent exchange on an HTTP/1.1 connection
}

// H2Dialer is the minimal surface pool needs from an HTTP/2 multiplexed
// client connection (wraps golang.org/x/net/http2.ClientConn via
// internal/wire/h2; kept as an interface here so pool never imports x/net
// directly).
type H2Dialer interface {
	CanTakeNewRequest() bool
	NewCodec() wire.Codec
}

func NewH1Connection(route transport.Route, conn net.Conn, proto transport.Protocol, tlsState *tls.ConnectionState) *Connection {
	return &Connection{Route: route, Protocol: proto, conn: conn, tlsState: tlsState, idleAtNs: time.Now().UnixNano()}
}

func NewH2Connection(route transport.Route, conn net.Conn, tlsState *tls.ConnectionState, h2 H2Dialer) *Connection {
	return &Connection{Route: route, Protocol: transport.H2, conn: conn, tlsState: tlsState, h2: h2, idleAtNs: time.Now().UnixNano()}
}

func (c *Connection) IsMultiplexed() bool { return c.h2 != nil }

func (c *Connection) Conn() net.Conn { return c.conn }

func (c *Connection) Handshake() *tls.ConnectionState { return c.tlsState }

// NewExchangeCodec dispenses a wire.Codec for one attempt: a fresh HTTP/2
// stream, or the connection's single HTTP/1.1 codec (reserved exclusively
// per spec §5 "no concurrent Exchange" within one Call, enforced here at
// the connection level since only one Call may hold an HTTP/1.1 connection
// at a time).
func (c *Connection) NewExchangeCodec(h1 wire.Codec) (wire.Codec, error) {
	if c.h2 != nil {
		return c.h2.NewCodec(), nil
	}
	return h1, nil
}

// AttachCall registers a weak-style reference; the caller keeps ref to mark
// body-closed and later Detach it. Attaching a ref that is already
// registered has no effect, so one DetachCall always releases it.
func (c *Connection) AttachCall(ref *CallRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.calls {
		if r == ref {
			return
		}
	}
	c.calls = append(c.calls, ref)
	c.idleAtNs = 0
}

func (c *Connection) DetachCall(ref *CallRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.calls {
		if r == ref {
			c.calls = append(c.calls[:i], c.calls[i+1:]...)
			break
		}
	}
	c.successCount++
	if len(c.calls) == 0 {
		c.idleAtNs = time.Now().UnixNano()
	}
}

func (c *Connection) ActiveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// SweepLeaks removes CallRefs whose body was never closed, logging their
// capture site; returns the number removed. Mirrors the teacher's
// bodyEOFSignal/idle-conn leak tracking in persist_conn.go, generalized
// from "GC finalizer fires" (no Go equivalent) to an explicit liveness flag.
func (c *Connection) SweepLeaks(onLeak func(*CallRef)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	kept := c.calls[:0]
	for _, r := range c.calls {
		if r.Leaked() {
			if onLeak != nil {
				onLeak(r)
			}
			removed++
			continue
		}
		kept = append(kept, r)
	}
	c.calls = kept
	if len(c.calls) == 0 && removed > 0 {
		// All references leaked: backdate the idle timestamp by five
		// minutes, the default keepAliveDuration. The running cleanup pass
		// can then evict the connection when KeepAliveDuration is at most
		// five minutes; with a longer keep-alive it waits out the rest.
		c.idleAtNs = time.Now().UnixNano() - int64(5*time.Minute)
	}
	return removed
}

func (c *Connection) MarkNoNewExchanges() {
	c.mu.Lock()
	c.noNewExchanges = true
	c.mu.Unlock()
}

func (c *Connection) NoNewExchanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noNewExchanges
}

// MarkNoCoalescing is called when a 421 (Misdirected Request) arrives on
// this connection, whether or not it was coalesced (spec §4.3 follow-up
// table, scenario §8.4).
func (c *Connection) MarkNoCoalescing() {
	c.mu.Lock()
	c.noCoalescing = true
	c.mu.Unlock()
}

func (c *Connection) declinesCoalescing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noCoalescing
}

func (c *Connection) IncrementRouteFailure() {
	c.mu.Lock()
	c.routeFailureCount++
	c.mu.Unlock()
}

func (c *Connection) RouteFailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routeFailureCount
}

func (c *Connection) IdleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleAtNs == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, c.idleAtNs), true
}

// IsHealthy performs the liveness check ExchangeFinder runs before handing
// a pooled connection to a new attempt (spec §4.6 findHealthyConnection).
// doExtensiveChecks mirrors OkHttp: skipped for GET (idempotent, cheap to
// just try and fail over), enabled for everything else.
func (c *Connection) IsHealthy(doExtensiveChecks bool) bool {
	if c.NoNewExchanges() {
		return false
	}
	if c.conn == nil {
		return false
	}
	if !doExtensiveChecks {
		return true
	}
	return pingable(c.conn)
}

func pingable(conn net.Conn) bool {
	one := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := conn.Read(one)
	_ = conn.SetReadDeadline(time.Time{})
	if n > 0 {
		return false // unexpected unsolicited bytes: treat as broken
	}
	if err == nil {
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// SupportsURL reports whether this connection may carry a request to u: it
// must still be address-eligible for the endpoint, matching spec §4.2's
// invariant 3 (network interceptors must not change host/port relative to
// the bound connection).
func (c *Connection) SupportsURL(ctx context.Context, scheme, host string, port int) bool {
	return c.Route.Endpoint.Scheme == scheme && c.Route.Endpoint.Host == host && c.Route.Endpoint.Port == port
}

func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
