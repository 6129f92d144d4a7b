package octohttp

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CacheConfig exposes testability hooks for the few clock-dependent pieces
// of CacheStrategy (spec §4.5): tests can pin "now" instead of depending on
// wall-clock time.
type CacheConfig struct {
	Now func() time.Time
}

func (c CacheConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// cacheStrategy implements the four-outcome compute() of spec §4.5.
// networkRequest/cacheResponse are never both nil unless onlyIfCached
// synthesizes the 504 case.
type cacheStrategy struct {
	networkRequest *http.Request
	cacheResponse  *http.Response
	warning        string
}

type storedResponse struct {
	resp           *http.Response
	requestMethod  string
	requestHeaders http.Header
	hasHandshake   bool
	servedDate     time.Time
	sentAt         time.Time
	receivedAt     time.Time
}

// computeCacheStrategy implements spec §4.5 compute(). now is injected so
// tests can pin the clock.
func computeCacheStrategy(req *http.Request, stored *storedResponse, now time.Time) cacheStrategy {
	reqCC := ParseCacheControl(req.Header.Get("Cache-Control"))

	if stored == nil {
		if reqCC.OnlyIfCached {
			return cacheStrategy{} // outcome 1: 504, no network, no cache
		}
		return cacheStrategy{networkRequest: req} // outcome 2
	}

	if req.URL.Scheme == "https" && !stored.hasHandshake {
		return networkOnlyOrNone(req, reqCC)
	}
	if !isCacheable(stored.resp, stored.requestHeaders, stored.requestMethod) {
		return networkOnlyOrNone(req, reqCC)
	}
	if reqCC.NoCache || req.Header.Get("If-Modified-Since") != "" || req.Header.Get("If-None-Match") != "" {
		return networkOnlyOrNone(req, reqCC)
	}

	respCC := ParseCacheControl(stored.resp.Header.Get("Cache-Control"))

	age := computeAge(stored, now)
	freshMs := freshnessLifetimeMs(stored, respCC)

	minFreshMs := int64(0)
	if reqCC.MinFreshSec > 0 {
		minFreshMs = int64(reqCC.MinFreshSec) * 1000
	}
	maxStaleMs := int64(0)
	if reqCC.MaxStaleSec > 0 && !respCC.MustRevalidate {
		if reqCC.MaxStaleSec == MaxStaleUnbounded {
			maxStaleMs = math.MaxInt64 / 2
		} else {
			maxStaleMs = int64(reqCC.MaxStaleSec) * 1000
		}
	}

	if age+minFreshMs < freshMs+maxStaleMs {
		strat := cacheStrategy{cacheResponse: stored.resp}
		if age >= freshMs && age-freshMs > 24*3600*1000 && freshnessIsHeuristic(stored, respCC) {
			strat.warning = `113 - "Heuristic Expiration"`
		} else if age >= freshMs {
			strat.warning = `110 - "Response is Stale"`
		}
		return strat
	}

	// Outcome 4: conditional network.
	if etag := stored.resp.Header.Get("ETag"); etag != "" {
		req = req.Clone(req.Context())
		req.Header.Set("If-None-Match", etag)
	} else if lm := stored.resp.Header.Get("Last-Modified"); lm != "" {
		req = req.Clone(req.Context())
		req.Header.Set("If-Modified-Since", lm)
	} else if d := stored.resp.Header.Get("Date"); d != "" {
		req = req.Clone(req.Context())
		req.Header.Set("If-Modified-Since", d)
	}
	return cacheStrategy{networkRequest: req, cacheResponse: stored.resp}
}

func networkOnlyOrNone(req *http.Request, reqCC CacheControl) cacheStrategy {
	if reqCC.OnlyIfCached {
		return cacheStrategy{}
	}
	return cacheStrategy{networkRequest: req}
}

// computeAge implements the RFC 7234 §4.2.3 algorithm named in spec §4.5.
func computeAge(stored *storedResponse, now time.Time) int64 {
	var ageHeaderMs int64
	if v := stored.resp.Header.Get("Age"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			ageHeaderMs = secs * 1000
		}
	}
	apparentReceivedAge := int64(0)
	if !stored.servedDate.IsZero() {
		apparentReceivedAge = max64(0, stored.receivedAt.Sub(stored.servedDate).Milliseconds())
	}
	receivedAge := max64(apparentReceivedAge, ageHeaderMs)
	resident := now.Sub(stored.receivedAt).Milliseconds()
	transit := stored.receivedAt.Sub(stored.sentAt).Milliseconds()
	if transit < 0 {
		transit = 0
	}
	return receivedAge + transit + resident
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// freshnessLifetimeMs implements spec §4.5's "Freshness lifetime" rules.
func freshnessLifetimeMs(stored *storedResponse, respCC CacheControl) int64 {
	if respCC.MaxAgeSec >= 0 {
		return int64(respCC.MaxAgeSec) * 1000
	}
	if exp := stored.resp.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			served := stored.servedDate
			if served.IsZero() {
				served = stored.receivedAt
			}
			ms := t.Sub(served).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			return ms
		}
	}
	if stored.resp.Header.Get("Last-Modified") != "" && stored.resp.Request != nil && heuristicEligible(stored.resp.Request.URL) {
		lm, err := http.ParseTime(stored.resp.Header.Get("Last-Modified"))
		if err == nil {
			served := stored.servedDate
			if served.IsZero() {
				served = stored.receivedAt
			}
			age := served.Sub(lm).Milliseconds()
			if age > 0 {
				return age / 10
			}
		}
	}
	return 0
}

func heuristicEligible(u *url.URL) bool { return u == nil || u.RawQuery == "" }

func freshnessIsHeuristic(stored *storedResponse, respCC CacheControl) bool {
	return respCC.MaxAgeSec < 0 && stored.resp.Header.Get("Expires") == ""
}

// isCacheable implements the storability predicate of spec §4.5: only GET
// responses are storable (spec §3), on top of the status-code and
// Cache-Control rules below.
func isCacheable(resp *http.Response, reqHeaders http.Header, method string) bool {
	if method != http.MethodGet {
		return false
	}
	respCC := ParseCacheControl(resp.Header.Get("Cache-Control"))
	reqCC := ParseCacheControl(reqHeaders.Get("Cache-Control"))
	if respCC.NoStore || reqCC.NoStore {
		return false
	}
	switch resp.StatusCode {
	case 200, 203, 204, 300, 301, 404, 405, 410, 414, 501, 308:
		return true
	case 302, 307:
		return resp.Header.Get("Expires") != "" || respCC.MaxAgeSec >= 0 || respCC.IsPublic || respCC.IsPrivate
	default:
		return false
	}
}
