package pool

import (
	"crypto/tls"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/badu/octohttp/transport"
)

const (
	DefaultMaxIdleConnections = 5
	DefaultKeepAliveDuration  = 5 * time.Minute
)

// ConnectionPool stores live connections, coalesces HTTP/2 connections
// across hostnames sharing an IP and a valid certificate, and evicts idle
// ones. Spec §4.6; grounded on the teacher's Transport idle-LRU
// (src/http/transport.go idleConn map + idleLRU) generalized from one
// fixed dial func to arbitrary Connection values carrying their own
// wire.Codec.
type ConnectionPool struct {
	MaxIdleConnections int
	KeepAliveDuration  time.Duration
	log                *zap.Logger

	mu          sync.Mutex
	connections []*Connection
	cleanupSet  bool
}

func NewConnectionPool(log *zap.Logger) *ConnectionPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionPool{
		MaxIdleConnections: DefaultMaxIdleConnections,
		KeepAliveDuration:  DefaultKeepAliveDuration,
		log:                log,
	}
}

// TryAcquire performs the linear scan + eligibility check of spec §4.6: a
// connection whose address-equal fields (and, for HTTP/2, whose route IP
// is present in candidateRoutes and whose cert covers the endpoint's
// hostname) matches, is not noNewExchanges, and has not declined further
// coalescing, is returned and the call attached to it.
func (p *ConnectionPool) TryAcquire(endpoint *transport.Endpoint, candidateRoutes []transport.Route, requireMultiplexed bool, callRef *CallRef) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.connections {
		if requireMultiplexed && !c.IsMultiplexed() {
			continue
		}
		if !p.isEligibleLocked(c, endpoint, candidateRoutes) {
			continue
		}
		c.AttachCall(callRef)
		return c
	}
	return nil
}

func (p *ConnectionPool) isEligibleLocked(c *Connection, endpoint *transport.Endpoint, candidateRoutes []transport.Route) bool {
	if c.NoNewExchanges() {
		return false
	}
	if c.Route.Endpoint.Equal(endpoint) {
		return true
	}
	if !c.IsMultiplexed() {
		return false
	}
	if c.declinesCoalescing() {
		return false
	}
	// Coalescing: a different hostname is acceptable if the connection's
	// route IP is among the candidate routes for the new endpoint and the
	// certificate covers the new hostname.
	for _, r := range candidateRoutes {
		if sameIP(r.InetSocketAddress, c.Route.InetSocketAddress) {
			return certCoversHostname(c.Handshake(), endpoint.Host)
		}
	}
	return false
}

func sameIP(a, b interface{ String() string }) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// certCoversHostname reports whether the leaf certificate of the
// connection's TLS handshake is valid for hostname (spec §4.6 "endpoint's
// hostname must be covered by the peer certificate"). A connection without
// a handshake or without peer certificates never coalesces.
func certCoversHostname(state any, hostname string) bool {
	cs, ok := state.(*tls.ConnectionState)
	if !ok || cs == nil || len(cs.PeerCertificates) == 0 {
		return false
	}
	return cs.PeerCertificates[0].VerifyHostname(hostname) == nil
}

// Put adds a newly-established connection to the pool. It does not start
// the cleanup goroutine; callers follow it with EnsureCleanupRunning.
func (p *ConnectionPool) Put(c *Connection) {
	p.mu.Lock()
	p.connections = append(p.connections, c)
	p.mu.Unlock()
}

// Remove drops a connection from the pool (explicit close, or eviction).
func (p *ConnectionPool) Remove(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.connections {
		if x == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			return
		}
	}
}

func (p *ConnectionPool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// CleanupOnce runs one pass of spec §4.6's cleanup algorithm: count idle vs
// in-use, evict the longest-idle connection if it is over keepAlive or the
// idle count exceeds MaxIdleConnections, else report the next wake time.
// Sockets are closed outside the lock per spec §5 ("no I/O while holding
// the pool lock").
func (p *ConnectionPool) CleanupOnce(now time.Time) time.Duration {
	var toClose *Connection
	var wait time.Duration

	p.mu.Lock()
	var longestIdle *Connection
	var longestIdleSince time.Time
	idleCount, inUseCount := 0, 0
	for _, c := range p.connections {
		c.SweepLeaks(func(ref *CallRef) {
			p.log.Warn("leaked exchange detected: response body never closed",
				zap.String("call_id", ref.CallID),
				zap.Time("captured_at", ref.CapturedAt),
				zap.String("stack", ref.StackTrace))
		})
		if since, idle := c.IdleSince(); idle {
			idleCount++
			if longestIdle == nil || since.Before(longestIdleSince) {
				longestIdle, longestIdleSince = c, since
			}
		} else {
			inUseCount++
		}
	}

	switch {
	case longestIdle != nil && (now.Sub(longestIdleSince) >= p.KeepAliveDuration || idleCount > p.MaxIdleConnections):
		toClose = longestIdle
		for i, x := range p.connections {
			if x == longestIdle {
				p.connections = append(p.connections[:i], p.connections[i+1:]...)
				break
			}
		}
	case idleCount > 0:
		wait = p.KeepAliveDuration - now.Sub(longestIdleSince)
	case inUseCount > 0:
		wait = p.KeepAliveDuration
	default:
		wait = -1
	}
	p.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
		p.log.Debug("evicted idle connection", zap.String("route", toClose.Route.Key()))
	}
	return wait
}

// RunCleanup loops CleanupOnce until it reports -1 (pool empty); intended
// to run in its own goroutine, started once when the first connection is
// added (spec §4.6 "a periodic cleanup task is scheduled whenever a
// connection is added, and reschedules itself").
func (p *ConnectionPool) RunCleanup(stop <-chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.cleanupSet = false
		p.mu.Unlock()
	}()
	for {
		wait := p.CleanupOnce(time.Now())
		if wait < 0 {
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return
		}
	}
}

// EnsureCleanupRunning starts RunCleanup unless a cleanup goroutine is
// already running. RunCleanup clears the flag when it exits (pool empty or
// stop closed), so a later call starts a fresh goroutine.
func (p *ConnectionPool) EnsureCleanupRunning(stop <-chan struct{}) {
	p.mu.Lock()
	already := p.cleanupSet
	p.cleanupSet = true
	p.mu.Unlock()
	if !already {
		go p.RunCleanup(stop)
	}
}

// EvictAll closes every connection; used by CoreRuntime teardown.
func (p *ConnectionPool) EvictAll() {
	p.mu.Lock()
	conns := p.connections
	p.connections = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
