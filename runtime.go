package octohttp

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/badu/octohttp/internal/pool"
	"github.com/badu/octohttp/transport"
)

// coreRuntime is the long-lived singleton bundle described in SPEC_FULL.md
// §9 Design Notes: every Client built from the same Option set (proxy
// selector, TLS config, pinner) can share one ConnectionPool and
// RouteDatabase, the way the teacher's Transport is meant to be reused
// across requests rather than rebuilt per call.
type coreRuntime struct {
	pool   *pool.ConnectionPool
	routes *pool.RouteDatabase
	dialer pool.Dialer
	log    *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*transport.Endpoint
	stop      chan struct{}
}

func newCoreRuntime(cfg clientConfig, log *zap.Logger) *coreRuntime {
	p := pool.NewConnectionPool(log)
	p.MaxIdleConnections = cfg.maxIdleConnections
	p.KeepAliveDuration = cfg.keepAlive

	dialer := cfg.dialer
	if dialer == nil {
		dialer = newDefaultDialer(0)
	}

	rt := &coreRuntime{
		pool:      p,
		routes:    pool.NewRouteDatabase(),
		dialer:    dialer,
		log:       log,
		endpoints: make(map[string]*transport.Endpoint),
		stop:      make(chan struct{}),
	}
	p.EnsureCleanupRunning(rt.stop)
	return rt
}

// close tears down the runtime (spec §9: "explicit init/teardown — close
// executor, evict pool, close cache").
func (rt *coreRuntime) close() {
	close(rt.stop)
	rt.pool.EvictAll()
}

func (rt *coreRuntime) endpointFor(u *url.URL, cfg clientConfig) (*transport.Endpoint, error) {
	key := u.Scheme + "://" + u.Host
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if e, ok := rt.endpoints[key]; ok {
		return e, nil
	}

	host := u.Hostname()
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if n, err := net.LookupPort("tcp", p); err == nil {
			port = n
		}
	}

	e := &transport.Endpoint{
		Scheme:        u.Scheme,
		Host:          host,
		Port:          port,
		DNS:           transport.SystemResolver(nil),
		Pinner:        cfg.pinner,
		Protocols:     []transport.Protocol{transport.H2, transport.HTTP11},
		ProxySelector: cfg.proxySelector,
	}
	if u.Scheme == "https" {
		e.TLS = &tls.Config{ServerName: host}
	}
	if cfg.proxySelector == nil {
		e.ProxySelector = func(req *http.Request) (*url.URL, error) { return http.ProxyFromEnvironment(req) }
	}
	rt.endpoints[key] = e
	return e, nil
}
