package octohttp

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/badu/octohttp/internal/pool"
	"github.com/badu/octohttp/internal/wire"
	"github.com/badu/octohttp/internal/wire/h1"
)

// ConnectInterceptor is the last application-visible hop before the wire:
// it resolves the request's Endpoint, asks an ExchangeFinder for a healthy
// Connection, and binds an exchangeHandle onto the Chain/Call so later
// invariant checks and Call.Cancel can reach it (spec §4.6, §4.8).
type ConnectInterceptor struct {
	client *Client
}

func NewConnectInterceptor(client *Client) *ConnectInterceptor {
	return &ConnectInterceptor{client: client}
}

func (ci *ConnectInterceptor) Intercept(chain *Chain) (*http.Response, error) {
	req := chain.Request()
	call := chain.Call()

	endpoint, err := ci.client.endpointFor(req.URL)
	if err != nil {
		return nil, err
	}
	finderKey := endpoint.Scheme + "://" + endpoint.Host + ":" + strconv.Itoa(endpoint.Port)
	finder := call.finderForEndpoint(finderKey, func() any {
		return ci.client.newFinder(endpoint)
	}).(*pool.ExchangeFinder)

	callRef := pool.NewCallRef(call.ID.String(), "")
	conn, err := finder.Find(req.Context(), req.Method, callRef)
	if err != nil {
		return nil, &RouteException{First: err, Last: err}
	}
	conn.AttachCall(callRef)

	codec, err := newCodecFor(conn)
	if err != nil {
		conn.DetachCall(callRef)
		return nil, err
	}

	handle := &exchangeHandle{
		supportsURL: func(u *url.URL) bool {
			port := portOf(u)
			return conn.SupportsURL(req.Context(), u.Scheme, u.Hostname(), port)
		},
		cancelFunc: func() { codec.Cancel() },
	}
	call.bindExchange(handle)

	ctx := withExchangeCodec(req.Context(), codec, conn, finder)
	resp, err := chain.ProceedWithExchange(req.WithContext(ctx), handle)
	if err != nil {
		call.releaseExchange()
		callRef.MarkBodyClosed()
		conn.DetachCall(callRef)
		return nil, err
	}

	// Resource-release invariant (spec §4.8): the Connection (and the bound
	// exchange handle Call.Cancel reaches) is only released once the
	// Exchange's response body is fully drained and closed, not when this
	// interceptor returns — the body may still be streaming well after that.
	resp.Body = &releaseOnCloseBody{ReadCloser: resp.Body, release: func() {
		call.releaseExchange()
		callRef.MarkBodyClosed()
		conn.DetachCall(callRef)
	}}
	return resp, nil
}

// releaseOnCloseBody runs release exactly once when the response body is
// closed, whether by the caller finishing the read or abandoning it early.
type releaseOnCloseBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releaseOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func newCodecFor(conn *pool.Connection) (wire.Codec, error) {
	if conn.IsMultiplexed() {
		return conn.NewExchangeCodec(nil)
	}
	br := bufio.NewReader(conn.Conn())
	bw := bufio.NewWriter(conn.Conn())
	return conn.NewExchangeCodec(h1.New(conn.Conn(), br, bw))
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

