// Package wire defines the ExchangeCodec collaborator the core spec
// externalizes ("the concrete wire codecs for HTTP/1 and HTTP/2 framing").
// The engine only ever talks to this interface; h1 and h2 are default
// adapters so the module is runnable end to end without a user supplying
// their own.
package wire

import (
	"io"
	"net/http"
)

// Codec drives one request/response exchange over an already-established
// connection. One Codec instance is good for exactly one Exchange (one
// HTTP/1 request cycle, or one HTTP/2 stream), matching spec §3's Exchange
// lifetime.
type Codec interface {
	// WriteRequestHeaders sends the request line and headers.
	WriteRequestHeaders(req *http.Request) error

	// RequestBodyWriter returns a writer for the request body, or nil if
	// the request has none. Closing it signals end of body (chunked
	// trailer, or simply EOF for a known Content-Length).
	RequestBodyWriter(req *http.Request) (io.WriteCloser, error)

	// Flush pushes any buffered output after the body is fully written.
	Flush() error

	// ReadResponseHeaders blocks until the status line and headers are
	// available and returns a Response with a non-nil, lazily-read Body.
	ReadResponseHeaders(req *http.Request) (*http.Response, error)

	// Cancel aborts the in-flight exchange: RST_STREAM for HTTP/2,
	// connection close for HTTP/1.1. Idempotent.
	Cancel()

	// Protocol names the wire protocol this codec speaks, for Response.Proto
	// and for the connection's multiplexed flag.
	Protocol() string
}
