package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Protocol is an ALPN token understood by the engine.
type Protocol int

const (
	HTTP10 Protocol = iota
	HTTP11
	H2
	H2PriorKnowledge
	QUIC // externalized: negotiated but driven by a user-supplied interceptor
	SPDY31
)

func (p Protocol) String() string {
	switch p {
	case HTTP10:
		return "http/1.0"
	case HTTP11:
		return "http/1.1"
	case H2:
		return "h2"
	case H2PriorKnowledge:
		return "h2_prior_knowledge"
	case QUIC:
		return "quic"
	case SPDY31:
		return "spdy/3.1"
	default:
		return "unknown"
	}
}

// ParseProtocol maps an ALPN token to a Protocol. spdy/3.1 parses but is
// rejected by callers that select a protocol for a new connection.
func ParseProtocol(alpn string) (Protocol, error) {
	switch alpn {
	case "http/1.0":
		return HTTP10, nil
	case "http/1.1", "":
		return HTTP11, nil
	case "h2":
		return H2, nil
	case "h2_prior_knowledge":
		return H2PriorKnowledge, nil
	case "quic":
		return QUIC, nil
	case "spdy/3.1":
		return SPDY31, nil
	default:
		return 0, fmt.Errorf("octohttp: unknown protocol %q", alpn)
	}
}

// Resolver performs DNS resolution on a host; the default binds *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type systemResolver struct{ r *net.Resolver }

func (s systemResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if s.r == nil {
		return net.DefaultResolver.LookupIPAddr(ctx, host)
	}
	return s.r.LookupIPAddr(ctx, host)
}

// SystemResolver adapts the stdlib resolver (nil uses net.DefaultResolver).
func SystemResolver(r *net.Resolver) Resolver { return systemResolver{r} }

// ProxySelector chooses a proxy URL for a request, or nil for DIRECT.
// http.ProxyFromEnvironment has this exact shape.
type ProxySelector func(req *http.Request) (*url.URL, error)

// HostnameVerifier re-checks a peer hostname against a handshake beyond the
// stdlib tls verification (e.g. pinning hooks). Returning false fails the
// connection.
type HostnameVerifier func(hostname string, state *tls.ConnectionState) bool

// Endpoint is the immutable tuple identifying everything about how to reach
// a logical origin. Equality ignores URL path/query: two requests to
// https://h.example/a and https://h.example/b share an Endpoint.
//
// Invariant: Scheme == "https" iff TLSConfig != nil.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	DNS      Resolver
	TLS      *tls.Config
	Verifier HostnameVerifier
	Pinner   ChainValidator

	Proxy         *url.URL // pinned proxy; nil defers to ProxySelector
	ProxySelector ProxySelector
	Protocols     []Protocol
	ProxyAuth     func(*http.Request) (string, error)
}

// ChainValidator validates a peer certificate chain for a hostname; the
// certificate pinner (internal/pin) implements this.
type ChainValidator interface {
	Check(hostname string, chain [][]byte) error
}

func (e *Endpoint) isHTTPS() bool { return e.Scheme == "https" }

// Equal reports address-equality ignoring path/query, per spec §3.
func (e *Endpoint) Equal(o *Endpoint) bool {
	if e == o {
		return true
	}
	if e == nil || o == nil {
		return false
	}
	return e.Scheme == o.Scheme &&
		e.Host == o.Host &&
		e.Port == o.Port &&
		e.TLS == o.TLS &&
		e.Verifier == nil == (o.Verifier == nil) &&
		samePinner(e.Pinner, o.Pinner) &&
		sameProxy(e.Proxy, o.Proxy) &&
		protocolsEqual(e.Protocols, o.Protocols)
}

func samePinner(a, b ChainValidator) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func sameProxy(a, b *url.URL) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func protocolsEqual(a, b []Protocol) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Route is one (proxy, resolved socket address) candidate for an Endpoint.
//
// Invariant: InetSocketAddress.Port is in [1, 65535]; enforced by
// RouteSelector.Next (internal/pool) before a Route is ever yielded.
type Route struct {
	Endpoint          *Endpoint
	Proxy             *url.URL // nil => DIRECT
	InetSocketAddress *net.TCPAddr
}

func (r Route) Key() string {
	proxy := "DIRECT"
	if r.Proxy != nil {
		proxy = r.Proxy.String()
	}
	return r.Endpoint.Scheme + "://" + r.Endpoint.Host + ":" + strconv.Itoa(r.Endpoint.Port) + "|" + proxy + "|" + r.InetSocketAddress.String()
}

func (r Route) requiresTunnel() bool {
	return r.Endpoint.isHTTPS() && r.Proxy != nil && strings.EqualFold(r.Proxy.Scheme, "http")
}

// CertificatePin asserts that a host's certificate chain must contain a
// certificate whose SPKI hashes to Hash under Algorithm.
//
// Pattern grammar: exact host; "*.H" (exactly one prefix label); "**.H"
// (any number of prefix labels, including zero).
type CertificatePin struct {
	Pattern   string
	Algorithm string // "sha1" or "sha256"
	Hash      []byte
}

// MatchesHostname implements the pin pattern grammar from spec §4.7.
func (p CertificatePin) MatchesHostname(hostname string) bool {
	switch {
	case strings.HasPrefix(p.Pattern, "**."):
		suffix := p.Pattern[2:] // ".H"
		return strings.HasSuffix(hostname, suffix) || hostname == p.Pattern[3:]
	case strings.HasPrefix(p.Pattern, "*."):
		suffix := p.Pattern[1:] // ".H"
		if !strings.HasSuffix(hostname, suffix) {
			return false
		}
		prefix := hostname[:len(hostname)-len(suffix)]
		return prefix != "" && !strings.Contains(prefix, ".")
	default:
		return strings.EqualFold(hostname, p.Pattern)
	}
}

// PinningFailure is returned by ChainValidator.Check when no certificate in
// the presented chain matches any pin selected for the hostname (spec
// §4.7): "fail with a structured message enumerating the presented chain
// hashes and the expected pin set."
type PinningFailure struct {
	Hostname  string
	Presented []string // "sha1/<b64>" and "sha256/<b64>" for each presented certificate
	Expected  []CertificatePin
}

func (e *PinningFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "octohttp: certificate pinning failure for %s\n  Presented:\n", e.Hostname)
	for _, h := range e.Presented {
		fmt.Fprintf(&b, "    %s\n", h)
	}
	b.WriteString("  Expected one of:\n")
	for _, p := range e.Expected {
		fmt.Fprintf(&b, "    %s/%s\n", p.Algorithm, p.Pattern)
	}
	return b.String()
}
