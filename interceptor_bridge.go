package octohttp

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http/httpguts"
)

// BridgeInterceptor converts a user request into a network request and a
// network response back into a user response, per spec §4.4: header
// synthesis, cookie jar wiring, and transparent gzip.
type BridgeInterceptor struct {
	Jar       http.CookieJar
	UserAgent string
}

func NewBridgeInterceptor(jar http.CookieJar) *BridgeInterceptor {
	return &BridgeInterceptor{Jar: jar, UserAgent: "octohttp/1.0"}
}

func (bi *BridgeInterceptor) Intercept(chain *Chain) (*http.Response, error) {
	userReq := chain.Request()
	req := userReq.Clone(userReq.Context())

	transparentGzip := false

	if req.Body != nil {
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
		if req.ContentLength >= 0 {
			req.Header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
			req.Header.Del("Transfer-Encoding")
		} else {
			req.Header.Set("Transfer-Encoding", "chunked")
			req.Header.Del("Content-Length")
		}
	}

	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", hostHeaderValue(req))
	}
	if req.Header.Get("Connection") == "" {
		req.Header.Set("Connection", "Keep-Alive")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", bi.UserAgent)
	}

	if req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == "" {
		req.Header.Set("Accept-Encoding", "gzip")
		transparentGzip = true
	}

	if bi.Jar != nil {
		for _, c := range bi.Jar.Cookies(req.URL) {
			req.AddCookie(c)
		}
	}

	if err := validateHeaderFields(req.Header); err != nil {
		return nil, err
	}

	netResp, err := chain.Proceed(req)
	if err != nil {
		return nil, err
	}

	if bi.Jar != nil {
		if rc := netResp.Cookies(); len(rc) > 0 {
			bi.Jar.SetCookies(req.URL, rc)
		}
	}

	if transparentGzip &&
		strings.EqualFold(netResp.Header.Get("Content-Encoding"), "gzip") &&
		bodyIsPresent(netResp) {
		gr, gzErr := gzip.NewReader(netResp.Body)
		if gzErr != nil {
			netResp.Body.Close()
			return nil, &ProtocolError{Msg: "malformed gzip response body: " + gzErr.Error()}
		}
		netResp.Header.Del("Content-Encoding")
		netResp.Header.Del("Content-Length")
		netResp.ContentLength = -1
		netResp.Body = &gzipDecodingBody{gzip: gr, underlying: netResp.Body}
	}

	netResp.Request = userReq
	return netResp, nil
}

// validateHeaderFields rejects field names/values httpguts considers
// malformed before they ever reach the wire codec, so a bad header surfaces
// as a ProtocolError instead of corrupting the request line on the network.
func validateHeaderFields(h http.Header) error {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return &ProtocolError{Msg: "invalid header field name: " + name}
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return &ProtocolError{Msg: "invalid header field value for " + name}
			}
		}
	}
	return nil
}

func hostHeaderValue(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

func bodyIsPresent(resp *http.Response) bool {
	return resp.Body != nil && resp.Body != http.NoBody
}

// gzipDecodingBody wraps a gzip.Reader so Close releases both the gzip
// reader and the underlying network body.
type gzipDecodingBody struct {
	gzip       *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipDecodingBody) Read(p []byte) (int, error) { return b.gzip.Read(p) }

func (b *gzipDecodingBody) Close() error {
	gzErr := b.gzip.Close()
	underErr := b.underlying.Close()
	if gzErr != nil {
		return gzErr
	}
	return underErr
}
