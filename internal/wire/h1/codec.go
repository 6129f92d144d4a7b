// Package h1 is the default HTTP/1.1 wire.Codec adapter. It is grounded on
// the teacher's persistConn.readResponse/writeLoop split (one goroutine
// writes the request while readResponse blocks on the same bufio.Reader),
// but delegates actual byte-level framing to net/http's own battle-tested
// Request.Write / http.ReadResponse rather than reimplementing chunked
// transfer coding and header formatting by hand — per spec §1 the wire
// codec is an external collaborator; stdlib net/http *is* that collaborator
// for HTTP/1.1 framing.
package h1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

// Codec implements wire.Codec over one net.Conn for one request/response.
type Codec struct {
	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader

	mu        sync.Mutex
	cancelled bool
	pw        *io.PipeWriter
	writeErr  chan error
}

// New wraps conn; br/bw may be shared, persistent buffers across requests
// on the same connection (the pool keeps one Codec's buffers alive for the
// connection's lifetime in the typical keep-alive case).
func New(conn net.Conn, br *bufio.Reader, bw *bufio.Writer) *Codec {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	if bw == nil {
		bw = bufio.NewWriter(conn)
	}
	return &Codec{conn: conn, br: br, bw: bw}
}

func (c *Codec) Protocol() string { return "HTTP/1.1" }

// WriteRequestHeaders writes everything up to (and including, for a
// bodyless request) the terminating CRLF. For a request with a body, the
// headers are buffered until RequestBodyWriter is closed and Flush called,
// since net/http.Request.Write interleaves headers and body itself; we
// hand it a pipe so headers+body are written as one coherent stream while
// still letting callers write the body incrementally.
func (c *Codec) WriteRequestHeaders(req *http.Request) error {
	if req.Body == nil {
		return req.Write(c.bw)
	}
	pr, pw := io.Pipe()
	c.pw = pw
	c.writeErr = make(chan error, 1)
	original := req.Body
	req.Body = io.NopCloser(pr)
	go func() {
		err := req.Write(c.bw)
		// req.Body is a NopCloser, so req.Write never actually closes pr;
		// without this, a write failure (or any early return) leaves pr
		// undrained and the caller's pending/future pw.Write blocks forever.
		pr.CloseWithError(err)
		original.Close()
		c.writeErr <- err
	}()
	return nil
}

// RequestBodyWriter returns the pipe end the caller streams the body into;
// nil when the request has no body (WriteRequestHeaders already wrote it).
// WriteRequestHeaders has already replaced req.Body with the pipe's read
// end by the time this is called, so the caller must stream from the body
// it captured before calling WriteRequestHeaders, never from req.Body.
func (c *Codec) RequestBodyWriter(req *http.Request) (io.WriteCloser, error) {
	if req.Body == nil {
		return nil, nil
	}
	return bodyWriteCloser{c}, nil
}

type bodyWriteCloser struct{ c *Codec }

func (b bodyWriteCloser) Write(p []byte) (int, error) { return b.c.pw.Write(p) }
func (b bodyWriteCloser) Close() error {
	b.c.pw.Close()
	if b.c.writeErr != nil {
		return <-b.c.writeErr
	}
	return nil
}

func (c *Codec) Flush() error { return c.bw.Flush() }

func (c *Codec) ReadResponseHeaders(req *http.Request) (*http.Response, error) {
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		if c.isCancelled() {
			return nil, errors.New("octohttp/wire/h1: canceled")
		}
		return nil, fmt.Errorf("octohttp/wire/h1: read response: %w", err)
	}
	return resp, nil
}

func (c *Codec) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Codec) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
