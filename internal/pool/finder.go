package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/badu/octohttp/transport"
)

// Dialer opens the raw transport-level connection for a Route: TCP (+ the
// HTTP CONNECT tunnel and/or TLS handshake where applicable). It is the
// "TLS socket factory" / "DNS resolver" collaborator spec §1 externalizes;
// ExchangeFinder only ever calls this interface.
type Dialer interface {
	DialRoute(ctx context.Context, route transport.Route) (net.Conn, transport.Protocol, *tls.ConnectionState, error)
}

// Failure counters tracked per ExchangeFinder instance, spec §4.6.
type failureCounters struct {
	refusedStream       int
	connectionShutdown  int
	other               int
	nextRouteToTry       *transport.Route
	routeFailureCounted bool
}

// ExchangeFinder chooses or creates a healthy Connection for one request
// attempt, per spec §4.6's findHealthyConnection/findConnection algorithm.
// One ExchangeFinder is created per Call (its failure counters are
// call-scoped, matching the original's per-RealConnectionPool "ExchangeFinder"
// lifetime).
type ExchangeFinder struct {
	Endpoint *transport.Endpoint
	Pool     *ConnectionPool
	DB       *RouteDatabase
	Dial     Dialer
	Log      *zap.Logger

	selector        *RouteSelector
	selectionDone   bool
	attachedConn    *Connection // the connection already bound to this call, if any
	connectGroup    singleflight.Group
	failures        failureCounters
	lastSelection   *Selection
}

func NewExchangeFinder(endpoint *transport.Endpoint, p *ConnectionPool, db *RouteDatabase, dial Dialer, log *zap.Logger) *ExchangeFinder {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExchangeFinder{
		Endpoint: endpoint,
		Pool:     p,
		DB:       db,
		Dial:     dial,
		Log:      log,
		selector: NewRouteSelector(endpoint, db),
	}
}

// Find loops until it returns a healthy connection (spec §4.6
// findHealthyConnection), marking unhealthy candidates noNewExchanges and
// retrying.
func (f *ExchangeFinder) Find(ctx context.Context, method string, callRef *CallRef) (*Connection, error) {
	for {
		c, err := f.findConnection(ctx, callRef)
		if err != nil {
			return nil, err
		}
		doExtensive := method != "GET"
		if !c.IsHealthy(doExtensive) {
			c.MarkNoNewExchanges()
			continue
		}
		return c, nil
	}
}

// findConnection implements the six-step search of spec §4.6.
func (f *ExchangeFinder) findConnection(ctx context.Context, callRef *CallRef) (*Connection, error) {
	// (1) the connection already attached to this call.
	if f.attachedConn != nil && !f.attachedConn.NoNewExchanges() {
		return f.attachedConn, nil
	}

	// (2) an existing pooled connection keyed by Endpoint alone.
	if c := f.Pool.TryAcquire(f.Endpoint, nil, false, callRef); c != nil {
		f.attachedConn = c
		return c, nil
	}

	// (3)/(4): advance the route selector (this also yields the
	// nextRouteToTry hint first, since Next() honors RouteDatabase
	// postponement and nextRouteToTry was cleared from it on success).
	sel, err := f.selector.Next(ctx)
	if err != nil {
		return nil, err
	}
	f.lastSelection = sel
	routes := sel.All()
	if f.failures.nextRouteToTry != nil {
		routes = append([]transport.Route{*f.failures.nextRouteToTry}, routes...)
		f.failures.nextRouteToTry = nil
	}

	// Re-query the pool for HTTP/2 coalescing now that we know the
	// candidate IPs for this endpoint.
	if c := f.Pool.TryAcquire(f.Endpoint, routes, false, callRef); c != nil {
		f.attachedConn = c
		return c, nil
	}

	if len(routes) == 0 {
		return nil, fmt.Errorf("octohttp: no routes available for %s", f.Endpoint.Host)
	}

	// (5) allocate a new connection for one selected route.
	route := routes[0]
	v, err, _ := f.connectGroup.Do(f.Endpoint.Host, func() (any, error) {
		conn, proto, tlsState, dialErr := f.Dial.DialRoute(ctx, route)
		if dialErr != nil {
			f.DB.Failed(route)
			return nil, dialErr
		}
		f.DB.Connected(route)
		var newConn *Connection
		if proto == transport.H2 {
			newConn = NewH2Connection(route, conn, tlsState, nil)
		} else {
			newConn = NewH1Connection(route, conn, proto, tlsState)
		}
		return newConn, nil
	})
	if err != nil {
		return nil, &dialFailure{route: route, err: err}
	}
	newConn := v.(*Connection)

	// (6) race once more: a concurrent attempt to the same host may have
	// populated the pool meanwhile.
	if c := f.Pool.TryAcquire(f.Endpoint, routes, false, callRef); c != nil {
		_ = newConn.Close()
		picked := route
		f.failures.nextRouteToTry = &picked
		return c, nil
	}

	f.Pool.Put(newConn)
	f.Pool.EnsureCleanupRunning(nil)
	newConn.AttachCall(callRef)
	f.attachedConn = newConn
	return newConn, nil
}

type dialFailure struct {
	route transport.Route
	err   error
}

func (d *dialFailure) Error() string { return fmt.Sprintf("octohttp: connect %s: %v", d.route.Key(), d.err) }
func (d *dialFailure) Unwrap() error { return d.err }

// RecordFailure updates the per-attempt failure counters from a codec-level
// failure (spec §4.6: refusedStreamCount / connectionShutdownCount /
// otherFailureCount).
func (f *ExchangeFinder) RecordFailure(kind FailureKind, conn *Connection) {
	switch kind {
	case FailureRefusedStream:
		f.failures.refusedStream++
	case FailureConnectionShutdown:
		f.failures.connectionShutdown++
	default:
		f.failures.other++
	}
	if conn != nil {
		conn.IncrementRouteFailure()
		f.failures.routeFailureCounted = true
	}
}

type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureRefusedStream
	FailureConnectionShutdown
)

// RetryAfterFailure implements spec §4.6's retryAfterFailure(): true iff at
// least one failure occurred AND any of the listed conditions hold.
func (f *ExchangeFinder) RetryAfterFailure(reusableWithEndpoint bool) bool {
	total := f.failures.refusedStream + f.failures.connectionShutdown + f.failures.other
	if total == 0 {
		return false
	}
	if f.failures.nextRouteToTry != nil {
		return true
	}
	currentRouteEligible := f.failures.refusedStream <= 1 &&
		f.failures.connectionShutdown <= 1 &&
		f.failures.other == 0 &&
		!f.failures.routeFailureCounted &&
		reusableWithEndpoint
	if currentRouteEligible {
		return true
	}
	if f.selector.HasNext() {
		return true
	}
	return f.lastSelection == nil // selector uninitialized: assume ≥1 route
}
