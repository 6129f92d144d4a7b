package octohttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/badu/octohttp/internal/pool"
	"github.com/badu/octohttp/transport"
)

// TLSDialer is the "TLS socket factory" collaborator spec §1 externalizes.
// The default adapter is defaultDialer below, grounded on the teacher's
// Transport.dialConn (src/http/transport.go): plain TCP dial, optional
// SOCKS5/HTTP CONNECT proxy handshake, then a TLS handshake with hostname
// verification and an optional certificate-pinning hook.
type TLSDialer interface {
	DialContext(ctx context.Context, network, addr string, cfg *tls.Config) (*tls.Conn, error)
}

type stdTLSDialer struct{ netDialer net.Dialer }

func (d stdTLSDialer) DialContext(ctx context.Context, network, addr string, cfg *tls.Config) (*tls.Conn, error) {
	dialer := tls.Dialer{NetDialer: &d.netDialer, Config: cfg}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}

// defaultDialer implements internal/pool.Dialer: it turns one transport.Route
// into a live net.Conn, performing proxy negotiation and TLS handshake +
// pinning as required by the route's Endpoint.
type defaultDialer struct {
	net      net.Dialer
	tls      TLSDialer
	connTimeout time.Duration
}

func newDefaultDialer(connTimeout time.Duration) *defaultDialer {
	return &defaultDialer{tls: stdTLSDialer{}, connTimeout: connTimeout}
}

func (d *defaultDialer) DialRoute(ctx context.Context, route transport.Route) (net.Conn, transport.Protocol, *tls.ConnectionState, error) {
	if d.connTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.connTimeout)
		defer cancel()
	}

	addr := route.InetSocketAddress.String()
	conn, err := d.net.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, 0, nil, &TimeoutError{Phase: ConnectTimeout, Cause: err}
	}

	if route.Proxy != nil {
		conn, err = d.negotiateProxy(ctx, conn, route)
		if err != nil {
			return nil, 0, nil, err
		}
	}

	if !route.Endpoint.isHTTPS() {
		return conn, transport.HTTP11, nil, nil
	}

	tlsConn, state, err := d.handshake(ctx, conn, route)
	if err != nil {
		conn.Close()
		return nil, 0, nil, err
	}
	proto, err := transport.ParseProtocol(state.NegotiatedProtocol)
	if err != nil {
		proto = transport.HTTP11
	}
	return tlsConn, proto, state, nil
}

// negotiateProxy handles DIRECT's two alternatives: SOCKS5 (wraps conn with
// golang.org/x/net/proxy.SOCKS5) or an HTTP CONNECT tunnel for an HTTPS
// target, grounded on the teacher's dialConn switch.
func (d *defaultDialer) negotiateProxy(ctx context.Context, conn net.Conn, route transport.Route) (net.Conn, error) {
	proxy := route.Proxy
	targetAddr := fmt.Sprintf("%s:%d", route.Endpoint.Host, route.Endpoint.Port)

	if strings.EqualFold(proxy.Scheme, "socks5") {
		var auth *xproxy.Auth
		if u := proxy.User; u != nil {
			auth = &xproxy.Auth{User: u.Username()}
			auth.Password, _ = u.Password()
		}
		p, err := xproxy.SOCKS5("tcp", proxy.Host, auth, oneConnDialer{conn})
		if err != nil {
			return nil, fmt.Errorf("octohttp: socks5 setup: %w", err)
		}
		if _, err := p.Dial("tcp", targetAddr); err != nil {
			return nil, fmt.Errorf("octohttp: socks5 connect: %w", err)
		}
		return conn, nil
	}

	if !route.Endpoint.isHTTPS() {
		return conn, nil // plain HTTP proxy: the request line itself carries the absolute URI
	}

	hdr := make(http.Header)
	if auth := route.Endpoint.ProxyAuth; auth != nil {
		req := &http.Request{Header: hdr}
		if v, err := auth(req); err == nil && v != "" {
			hdr.Set("Proxy-Authorization", v)
		}
	}
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddr},
		Host:   targetAddr,
		Header: hdr,
	}
	if err := connectReq.Write(conn); err != nil {
		return nil, fmt.Errorf("octohttp: proxy CONNECT write: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return nil, fmt.Errorf("octohttp: proxy CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("octohttp: proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

func (d *defaultDialer) handshake(ctx context.Context, conn net.Conn, route transport.Route) (*tls.Conn, *tls.ConnectionState, error) {
	cfg := route.Endpoint.TLS
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = route.Endpoint.Host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = alpnFor(route.Endpoint.Protocols)
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, &TimeoutError{Phase: ConnectTimeout, Cause: err}
	}
	state := tlsConn.ConnectionState()

	verifier := route.Endpoint.Verifier
	if verifier == nil {
		verifier = transport.DefaultHostnameVerifier
	}
	if !verifier(cfg.ServerName, &state) {
		return nil, nil, &TlsPinningError{Hostname: cfg.ServerName, Msg: "hostname verifier rejected peer"}
	}
	if route.Endpoint.Pinner != nil {
		der := make([][]byte, len(state.PeerCertificates))
		for i, c := range state.PeerCertificates {
			der[i] = c.Raw
		}
		if err := route.Endpoint.Pinner.Check(cfg.ServerName, der); err != nil {
			var pf *transport.PinningFailure
			if errors.As(err, &pf) {
				return nil, nil, &TlsPinningError{Hostname: cfg.ServerName, Msg: pf.Error()}
			}
			return nil, nil, &TlsPinningError{Hostname: cfg.ServerName, Msg: err.Error()}
		}
	}
	return tlsConn, &state, nil
}

func alpnFor(protocols []transport.Protocol) []string {
	if len(protocols) == 0 {
		return []string{"h2", "http/1.1"}
	}
	out := make([]string, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, p.String())
	}
	return out
}

// oneConnDialer adapts an already-established net.Conn to proxy.Dialer for
// golang.org/x/net/proxy.SOCKS5, which otherwise wants to dial itself.
type oneConnDialer struct{ conn net.Conn }

func (o oneConnDialer) Dial(network, addr string) (net.Conn, error) { return o.conn, nil }

var _ pool.Dialer = (*defaultDialer)(nil)
