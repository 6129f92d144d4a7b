package octohttp

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/octohttp/internal/cachestore"
)

func cacheableNetworkResponse(body string, extra http.Header) *http.Response {
	h := http.Header{"Cache-Control": {"max-age=300"}}
	for k, vs := range extra {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return &http.Response{
		StatusCode: 200,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestCacheInterceptorMissThenHit(t *testing.T) {
	store := cachestore.NewMemory()
	var networkCalls int
	network := InterceptorFunc(func(c *Chain) (*http.Response, error) {
		networkCalls++
		return cacheableNetworkResponse("payload", nil), nil
	})

	ci := NewCacheInterceptor(store, CacheConfig{}, nil)
	req, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)

	resp, err := ci.Intercept(newTestChain([]Interceptor{network}, req))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 1, networkCalls)

	// Let the writeback goroutine commit the entry before the second request.
	require.Eventually(t, func() bool {
		_, _, ok := store.Get(cachestore.Key(req.URL.String()))
		return ok
	}, time.Second, time.Millisecond)

	req2, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)
	resp2, err := ci.Intercept(newTestChain([]Interceptor{network}, req2))
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, 1, networkCalls, "second request should be served from cache, no new network call")
	data2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data2))
}

func TestCacheInterceptorOnlyIfCachedWithNothingStoredReturns504(t *testing.T) {
	store := cachestore.NewMemory()
	network := InterceptorFunc(func(c *Chain) (*http.Response, error) {
		t.Fatal("network must not be reached for only-if-cached with nothing stored")
		return nil, nil
	})
	ci := NewCacheInterceptor(store, CacheConfig{}, nil)

	req, err := http.NewRequest(http.MethodGet, "https://example.com/nothing", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "only-if-cached")

	resp, err := ci.Intercept(newTestChain([]Interceptor{network}, req))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestCacheInterceptorNonCacheableResponseNotStored(t *testing.T) {
	store := cachestore.NewMemory()
	network := InterceptorFunc(func(c *Chain) (*http.Response, error) {
		return &http.Response{
			StatusCode: 500,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("err")),
		}, nil
	})
	ci := NewCacheInterceptor(store, CacheConfig{}, nil)

	req, err := http.NewRequest(http.MethodGet, "https://example.com/broken", nil)
	require.NoError(t, err)
	resp, err := ci.Intercept(newTestChain([]Interceptor{network}, req))
	require.NoError(t, err)
	resp.Body.Close()

	_, _, ok := store.Get(cachestore.Key(req.URL.String()))
	assert.False(t, ok, "a 500 response must never be written to the cache")
}

func TestMergeHeadersPrefersNetworkFreshnessFieldsAndCachedEntity(t *testing.T) {
	cached := &http.Response{
		Header: http.Header{
			"ETag":         {"old"},
			"X-Custom":     {"keep-me"},
			"Content-Type": {"text/plain"},
		},
	}
	network := &http.Response{
		Header: http.Header{
			"ETag": {"new"},
			"Date": {"Mon, 01 Jan 2026 00:00:00 GMT"},
		},
	}

	merged := mergeHeaders(cached, network)
	assert.Equal(t, "new", merged.Header.Get("ETag"), "network wins the freshness field")
	assert.Equal(t, "keep-me", merged.Header.Get("X-Custom"), "cache wins entity headers not in the freshness list")
	assert.Equal(t, "Mon, 01 Jan 2026 00:00:00 GMT", merged.Header.Get("Date"))
}
