package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/badu/octohttp/transport"
)

// RouteDatabase remembers routes that recently failed, so RouteSelector can
// defer ("postpone") them behind fresh candidates. Spec §4.6, ~1% share —
// deliberately tiny: one mutex-guarded set with no expiry, mirroring the
// teacher's equivalent (a routeDatabase kept only for the transport's
// lifetime; entries are removed on success, never time out on their own).
type RouteDatabase struct {
	mu     sync.Mutex
	failed map[string]struct{}
}

func NewRouteDatabase() *RouteDatabase { return &RouteDatabase{failed: make(map[string]struct{})} }

func (d *RouteDatabase) Failed(r transport.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[r.Key()] = struct{}{}
}

func (d *RouteDatabase) Connected(r transport.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failed, r.Key())
}

func (d *RouteDatabase) ShouldPostpone(r transport.Route) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, bad := d.failed[r.Key()]
	return bad
}

// RouteSelector enumerates (proxy × resolved-IP) candidates for an
// Endpoint, postponing recently-failed routes behind fresh ones per spec
// §4.6.
type RouteSelector struct {
	endpoint *transport.Endpoint
	db       *RouteDatabase

	proxies     []*url.URL
	proxyIdx    int
	addresses   []net.IPAddr
	addressIdx  int
	initialized bool

	pendingPort     int
	pendingProxy    *url.URL
	socksUnresolved bool
}

func NewRouteSelector(endpoint *transport.Endpoint, db *RouteDatabase) *RouteSelector {
	return &RouteSelector{endpoint: endpoint, db: db}
}

// HasNext reports whether another (proxy, address) pair remains in the
// current selection, or whether proxies remain to enumerate.
func (s *RouteSelector) HasNext() bool {
	return s.addressIdx < len(s.addresses) || s.proxyIdx < len(s.proxies) || !s.initialized
}

// Next advances the selector and returns one Selection snapshot: a proxy
// with every resolved address for it, non-postponed candidates first.
func (s *RouteSelector) Next(ctx context.Context) (*Selection, error) {
	if !s.initialized {
		if err := s.resetProxies(); err != nil {
			return nil, err
		}
	}
	if s.addressIdx >= len(s.addresses) {
		if err := s.nextProxy(ctx); err != nil {
			return nil, err
		}
	}
	return s.buildSelection(), nil
}

func (s *RouteSelector) resetProxies() error {
	s.initialized = true
	switch {
	case s.endpoint.Proxy != nil:
		s.proxies = []*url.URL{s.endpoint.Proxy}
	case s.endpoint.ProxySelector != nil:
		req, _ := http.NewRequest(http.MethodGet, s.endpoint.Scheme+"://"+s.endpoint.Host, nil)
		u, err := s.endpoint.ProxySelector(req)
		if err != nil {
			return fmt.Errorf("octohttp: proxy selector: %w", err)
		}
		s.proxies = []*url.URL{u} // nil entry means DIRECT
	default:
		s.proxies = []*url.URL{nil}
	}
	return s.nextProxy(context.Background())
}

func (s *RouteSelector) nextProxy(ctx context.Context) error {
	if s.proxyIdx >= len(s.proxies) {
		return fmt.Errorf("octohttp: no more proxies to try for %s", s.endpoint.Host)
	}
	proxy := s.proxies[s.proxyIdx]
	s.proxyIdx++

	host, port := s.endpoint.Host, s.endpoint.Port
	resolveHost := host
	isSocks := proxy != nil && (proxy.Scheme == "socks5" || proxy.Scheme == "socks5h" || proxy.Scheme == "socks4")
	if proxy != nil && !isSocks {
		resolveHost = proxy.Hostname()
		if p, err := strconv.Atoi(proxy.Port()); err == nil {
			port = p
		}
	}
	if isSocks {
		// SOCKS resolves on the far side; yield one unresolved placeholder.
		s.addresses = []net.IPAddr{{IP: nil}}
		s.addressIdx = 0
		s.pendingPort = port
		s.pendingProxy = proxy
		s.socksUnresolved = true
		return nil
	}

	resolver := s.endpoint.DNS
	if resolver == nil {
		resolver = transport.SystemResolver(nil)
	}
	addrs, err := resolver.LookupIPAddr(ctx, resolveHost)
	if err != nil {
		return fmt.Errorf("octohttp: dns lookup %s: %w", resolveHost, err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("octohttp: route port %d out of range", port)
	}
	s.addresses = addrs
	s.addressIdx = 0
	s.pendingPort = port
	s.pendingProxy = proxy
	s.socksUnresolved = false
	return nil
}

// Selection is one snapshot of candidate routes for a proxy, split into
// fresh (non-postponed) and postponed, per spec §4.6: "only after
// non-postponed routes are exhausted are postponed routes yielded."
type Selection struct {
	Fresh     []transport.Route
	Postponed []transport.Route
}

// All returns fresh routes followed by postponed ones, the order the
// selector actually hands candidates to ExchangeFinder.
func (s *Selection) All() []transport.Route { return append(append([]transport.Route{}, s.Fresh...), s.Postponed...) }

func (s *RouteSelector) buildSelection() *Selection {
	sel := &Selection{}
	for s.addressIdx < len(s.addresses) {
		addr := s.addresses[s.addressIdx]
		s.addressIdx++
		var tcpAddr *net.TCPAddr
		if s.socksUnresolved {
			tcpAddr = &net.TCPAddr{Port: s.pendingPort}
		} else {
			tcpAddr = &net.TCPAddr{IP: addr.IP, Port: s.pendingPort}
		}
		r := transport.Route{Endpoint: s.endpoint, Proxy: s.pendingProxy, InetSocketAddress: tcpAddr}
		if s.db != nil && s.db.ShouldPostpone(r) {
			sel.Postponed = append(sel.Postponed, r)
		} else {
			sel.Fresh = append(sel.Fresh, r)
		}
	}
	return sel
}

