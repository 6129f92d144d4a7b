package pool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/badu/octohttp/transport"
)

func newPooledH1(t *testing.T, p *ConnectionPool, host string) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	route := transport.Route{Endpoint: &transport.Endpoint{Scheme: "https", Host: host, Port: 443}}
	c := NewH1Connection(route, client, transport.HTTP11, nil)
	p.Put(c)
	return c, client
}

func TestTryAcquireMatchesSameEndpointOnly(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	c, _ := newPooledH1(t, p, "example.com")

	ep := &transport.Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	got := p.TryAcquire(ep, nil, false, NewCallRef("call-1", ""))
	require.NotNil(t, got)
	assert.Same(t, c, got)
	assert.Equal(t, 1, got.ActiveCallCount())

	other := &transport.Endpoint{Scheme: "https", Host: "other.com", Port: 443}
	assert.Nil(t, p.TryAcquire(other, nil, false, NewCallRef("call-2", "")))
}

func TestTryAcquireSkipsNoNewExchangesConnections(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	c, _ := newPooledH1(t, p, "example.com")
	c.MarkNoNewExchanges()

	ep := &transport.Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	assert.Nil(t, p.TryAcquire(ep, nil, false, NewCallRef("call-1", "")))
}

func TestTryAcquireRequiresMultiplexedWhenAsked(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	newPooledH1(t, p, "example.com") // HTTP/1.1, not multiplexed

	ep := &transport.Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	assert.Nil(t, p.TryAcquire(ep, nil, true, NewCallRef("call-1", "")))
}

func TestConnectionCountAndRemove(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	c, _ := newPooledH1(t, p, "a.example.com")
	_, _ = newPooledH1(t, p, "b.example.com")
	assert.Equal(t, 2, p.ConnectionCount())

	p.Remove(c)
	assert.Equal(t, 1, p.ConnectionCount())
}

func TestCleanupOnceEvictsConnectionPastKeepAlive(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	p.KeepAliveDuration = time.Minute
	newPooledH1(t, p, "example.com")

	wait := p.CleanupOnce(time.Now().Add(2 * time.Minute))
	assert.Equal(t, time.Duration(0), wait)
	assert.Equal(t, 0, p.ConnectionCount(), "the idle connection past keepAlive must be evicted")
}

func TestCleanupOnceReportsWaitForFreshIdleConnection(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	p.KeepAliveDuration = time.Hour
	newPooledH1(t, p, "example.com")

	wait := p.CleanupOnce(time.Now())
	assert.Greater(t, wait, time.Duration(0))
	assert.Equal(t, 1, p.ConnectionCount(), "a freshly idle connection within keepAlive must survive one pass")
}

func TestCleanupOnceReportsNegativeWaitWhenEmpty(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	assert.Equal(t, time.Duration(-1), p.CleanupOnce(time.Now()))
}

func TestCleanupOnceEvictsOverMaxIdleConnections(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	p.MaxIdleConnections = 1
	p.KeepAliveDuration = time.Hour
	newPooledH1(t, p, "a.example.com")
	newPooledH1(t, p, "b.example.com")

	wait := p.CleanupOnce(time.Now())
	assert.Equal(t, time.Duration(0), wait)
	assert.Equal(t, 1, p.ConnectionCount(), "one connection is evicted once idle count exceeds MaxIdleConnections")
}

func TestEvictAllClosesAndEmptiesThePool(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	newPooledH1(t, p, "example.com")
	newPooledH1(t, p, "other.com")
	require.Equal(t, 2, p.ConnectionCount())

	p.EvictAll()
	assert.Equal(t, 0, p.ConnectionCount())
}

func TestEnsureCleanupRunningStartsExactlyOnce(t *testing.T) {
	p := NewConnectionPool(zaptest.NewLogger(t))
	newPooledH1(t, p, "example.com") // a non-empty pool keeps RunCleanup alive until stop
	stop := make(chan struct{})
	defer close(stop)

	p.EnsureCleanupRunning(stop)
	p.EnsureCleanupRunning(stop) // second call must be a no-op, not a second goroutine
	assert.True(t, p.cleanupSet)
}
