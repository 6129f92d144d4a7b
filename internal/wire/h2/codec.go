// Package h2 adapts golang.org/x/net/http2's ClientConn to wire.Codec.
// http2.ClientConn.RoundTrip performs an entire request/response exchange
// atomically rather than exposing separate write/read phases, so this
// adapter stashes the request at header-write time and does the real work
// on the first ReadResponseHeaders call; the request body, if any, is
// streamed by http2 itself from req.Body, exactly like net/http's own
// Transport does when it hands off to http2.
package h2

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
)

// ClientConn is the subset of *http2.ClientConn this adapter drives.
type ClientConn interface {
	RoundTrip(req *http.Request) (*http.Response, error)
	CanTakeNewRequest() bool
	Ping() error
}

// Codec implements wire.Codec over one HTTP/2 stream of an existing
// *http2.ClientConn (one per Exchange; the ClientConn itself is owned by
// internal/pool's RealConnection and shared across many Codecs).
type Codec struct {
	cc  ClientConn
	req *http.Request

	mu        sync.Mutex
	cancelled bool
	cancel    func()
}

func New(cc ClientConn) *Codec { return &Codec{cc: cc} }

func (c *Codec) Protocol() string { return "HTTP/2" }

func (c *Codec) WriteRequestHeaders(req *http.Request) error {
	c.req = req
	return nil
}

// RequestBodyWriter: http2.ClientConn reads the body straight from
// req.Body, so there is nothing for the caller to stream into separately;
// returning nil is the documented "no separate body phase" case.
func (c *Codec) RequestBodyWriter(req *http.Request) (io.WriteCloser, error) { return nil, nil }

func (c *Codec) Flush() error { return nil }

func (c *Codec) ReadResponseHeaders(req *http.Request) (*http.Response, error) {
	if c.isCancelled() {
		return nil, fmt.Errorf("octohttp/wire/h2: canceled")
	}
	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("octohttp/wire/h2: round trip: %w", err)
	}
	return resp, nil
}

func (c *Codec) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Codec) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// NegotiateALPN reports whether the handshake's negotiated protocol is h2,
// deferring entirely to x/net/http2's own constant rather than redeclaring
// "h2" as a magic string in the pool.
func NegotiateALPN(proto string) bool { return proto == http2.NextProtoTLS }
