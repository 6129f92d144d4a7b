package octohttp

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *coreRuntime {
	t.Helper()
	rt := newCoreRuntime(defaultConfig(), newLogger(LogConfig{}))
	t.Cleanup(rt.close)
	return rt
}

func TestEndpointForDefaultsPortByScheme(t *testing.T) {
	rt := newTestRuntime(t)

	httpsURL, err := url.Parse("https://example.com/a")
	require.NoError(t, err)
	ep, err := rt.endpointFor(httpsURL, defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 443, ep.Port)
	assert.Equal(t, "example.com", ep.Host)
	require.NotNil(t, ep.TLS)
	assert.Equal(t, "example.com", ep.TLS.ServerName)

	httpURL, err := url.Parse("http://example.com/b")
	require.NoError(t, err)
	ep2, err := rt.endpointFor(httpURL, defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 80, ep2.Port)
	assert.Nil(t, ep2.TLS)
}

func TestEndpointForHonorsExplicitPort(t *testing.T) {
	rt := newTestRuntime(t)
	u, err := url.Parse("https://example.com:8443/a")
	require.NoError(t, err)
	ep, err := rt.endpointFor(u, defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 8443, ep.Port)
}

func TestEndpointForCachesBySchemeAndHostIgnoringPath(t *testing.T) {
	rt := newTestRuntime(t)
	a, err := url.Parse("https://example.com/a")
	require.NoError(t, err)
	b, err := url.Parse("https://example.com/completely/different/path?x=1")
	require.NoError(t, err)

	epA, err := rt.endpointFor(a, defaultConfig())
	require.NoError(t, err)
	epB, err := rt.endpointFor(b, defaultConfig())
	require.NoError(t, err)
	assert.Same(t, epA, epB, "same scheme+host must reuse the cached Endpoint regardless of path")
}

func TestEndpointForDistinguishesHosts(t *testing.T) {
	rt := newTestRuntime(t)
	a, err := url.Parse("https://one.example.com/")
	require.NoError(t, err)
	b, err := url.Parse("https://two.example.com/")
	require.NoError(t, err)

	epA, err := rt.endpointFor(a, defaultConfig())
	require.NoError(t, err)
	epB, err := rt.endpointFor(b, defaultConfig())
	require.NoError(t, err)
	assert.NotSame(t, epA, epB)
}
