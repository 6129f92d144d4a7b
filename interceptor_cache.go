package octohttp

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/badu/octohttp/internal/cachestore"
	"github.com/badu/octohttp/internal/metrics"
)

// CacheInterceptor implements spec §4.5's algorithm around CacheStrategy:
// query store, compute the strategy, serve from cache / network /
// conditional-revalidate, and write back a cacheable network response.
type CacheInterceptor struct {
	Store    cachestore.Store
	Config   CacheConfig
	Recorder metrics.Recorder

	requestCount atomic.Int64
	networkCount atomic.Int64
	hitCount     atomic.Int64
}

func NewCacheInterceptor(store cachestore.Store, cfg CacheConfig, rec metrics.Recorder) *CacheInterceptor {
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &CacheInterceptor{Store: store, Config: cfg, Recorder: rec}
}

func (ci *CacheInterceptor) Intercept(chain *Chain) (*http.Response, error) {
	ci.requestCount.Inc()
	req := chain.Request()

	key := cachestore.Key(req.URL.String())
	var stored *storedResponse
	var cachedEntry *cachestore.Entry
	var cachedBody io.ReadCloser
	if ci.Store != nil {
		if e, body, ok := ci.Store.Get(key); ok && e.MatchesVary(req.Header) {
			cachedEntry = e
			cachedBody = body
			stored = entryToStoredResponse(e, body, req)
		}
	}

	now := ci.Config.now()
	strat := computeCacheStrategy(req, stored, now)

	if strat.networkRequest == nil && strat.cacheResponse == nil {
		if cachedBody != nil {
			cachedBody.Close()
		}
		return &http.Response{
			StatusCode: http.StatusGatewayTimeout,
			Status:     "504 Gateway Timeout",
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}

	if strat.networkRequest == nil {
		ci.hitCount.Inc()
		ci.Recorder.CacheHit()
		resp := strat.cacheResponse
		if strat.warning != "" {
			resp.Header.Add("Warning", strat.warning)
		}
		return resp, nil
	}

	ci.networkCount.Inc()
	ci.Recorder.CacheNetworkCount()
	if strat.cacheResponse == nil {
		ci.Recorder.CacheMiss()
	}
	netResp, err := chain.Proceed(strat.networkRequest)
	if err != nil {
		if cachedBody != nil {
			cachedBody.Close()
		}
		return nil, err
	}

	if strat.cacheResponse != nil && netResp.StatusCode == http.StatusNotModified {
		ci.hitCount.Inc()
		merged := mergeHeaders(strat.cacheResponse, netResp)
		netResp.Body.Close()

		var buf bytes.Buffer
		if strat.cacheResponse.Body != nil {
			io.Copy(&buf, strat.cacheResponse.Body)
			strat.cacheResponse.Body.Close()
		}
		merged.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))

		if cachedEntry != nil && ci.Store != nil {
			cachedEntry.ResponseHeaders = merged.Header
			ci.Store.Put(key, cachedEntry, bytes.NewReader(buf.Bytes()))
		}
		return merged, nil
	}

	if cachedBody != nil {
		cachedBody.Close()
	}

	if !isCacheable(netResp, req.Header, req.Method) || ci.Store == nil {
		if cachedEntry != nil && ci.Store != nil {
			ci.Store.Remove(key)
		}
		return netResp, nil
	}

	return ci.teeForWriteBack(key, req, netResp, now), nil
}

// teeForWriteBack wraps the response body so the cache entry commits when
// the body is fully consumed and closed normally, per spec §4.5 ("tee the
// body through a writer that commits the cache entry on close and aborts
// on early close").
func (ci *CacheInterceptor) teeForWriteBack(key string, req *http.Request, resp *http.Response, now time.Time) *http.Response {
	entry := responseToEntry(req, resp, now)
	if !entry.IsStorable() {
		return resp
	}

	pr, pw := io.Pipe()
	tee := io.TeeReader(resp.Body, pw)
	wrapped := &cacheWriteBody{ReadCloser: resp.Body, tee: tee}

	go func() {
		err := ci.Store.Put(key, entry, pr)
		if err != nil {
			pr.CloseWithError(err)
		}
	}()
	wrapped.onClose = func(aborted bool) {
		if aborted {
			pw.CloseWithError(io.ErrClosedPipe)
		} else {
			pw.Close()
		}
	}
	resp.Body = wrapped
	return resp
}

type cacheWriteBody struct {
	io.ReadCloser
	tee     io.Reader
	onClose func(aborted bool)
	read    bool
	full    bool
}

func (b *cacheWriteBody) Read(p []byte) (int, error) {
	n, err := b.tee.Read(p)
	if err == io.EOF {
		b.full = true
	}
	return n, err
}

func (b *cacheWriteBody) Close() error {
	if b.onClose != nil {
		b.onClose(!b.full)
	}
	return b.ReadCloser.Close()
}

func mergeHeaders(cached, network *http.Response) *http.Response {
	merged := *cached
	merged.Header = cached.Header.Clone()
	for _, freshnessKey := range []string{"Date", "Expires", "Last-Modified", "ETag", "Cache-Control", "Age", "Content-Location", "Vary"} {
		if v := network.Header.Values(freshnessKey); len(v) > 0 {
			merged.Header.Del(freshnessKey)
			for _, vv := range v {
				merged.Header.Add(freshnessKey, vv)
			}
		}
	}
	return &merged
}

func entryToStoredResponse(e *cachestore.Entry, body io.ReadCloser, req *http.Request) *storedResponse {
	resp := &http.Response{
		StatusCode: e.StatusCode,
		Status:     e.StatusMessage,
		Proto:      e.Protocol,
		Header:     e.ResponseHeaders.Clone(),
		Body:       body,
		Request:    req,
	}
	var servedDate time.Time
	if d := resp.Header.Get("Date"); d != "" {
		servedDate, _ = http.ParseTime(d)
	}
	hasHandshake := len(e.PeerCertificatesDER) > 0
	return &storedResponse{
		resp:           resp,
		requestMethod:  e.RequestMethod,
		requestHeaders: e.VaryHeaders,
		hasHandshake:   hasHandshake,
		servedDate:     servedDate,
		sentAt:         time.UnixMilli(e.SentRequestMillis),
		receivedAt:     time.UnixMilli(e.ReceivedResponseMillis),
	}
}

func responseToEntry(req *http.Request, resp *http.Response, now time.Time) *cachestore.Entry {
	e := &cachestore.Entry{
		URL:                    req.URL.String(),
		RequestMethod:          req.Method,
		VaryHeaders:            http.Header{},
		Protocol:               resp.Proto,
		StatusCode:             resp.StatusCode,
		StatusMessage:          resp.Status,
		ResponseHeaders:        resp.Header.Clone(),
		SentRequestMillis:      now.UnixMilli(),
		ReceivedResponseMillis: now.UnixMilli(),
	}
	for _, name := range varyFieldNamesExported(resp.Header) {
		for _, v := range req.Header.Values(name) {
			e.VaryHeaders.Add(name, v)
		}
	}
	if resp.TLS != nil {
		var state tls.ConnectionState = *resp.TLS
		e.CipherSuite = tlsCipherSuiteName(state.CipherSuite)
		for _, c := range state.PeerCertificates {
			e.PeerCertificatesDER = append(e.PeerCertificatesDER, c.Raw)
		}
	}
	return e
}

func varyFieldNamesExported(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Vary") {
		for _, n := range strings.Split(v, ",") {
			n = strings.TrimSpace(n)
			if n != "" && n != "*" {
				names = append(names, n)
			}
		}
	}
	return names
}

func tlsCipherSuiteName(id uint16) string {
	return tls.CipherSuiteName(id)
}
