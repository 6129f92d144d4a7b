package octohttp

import (
	"net/http"
	"time"

	"github.com/badu/octohttp/internal/cachestore"
	"github.com/badu/octohttp/internal/metrics"
	"github.com/badu/octohttp/internal/pin"
	"github.com/badu/octohttp/internal/pool"
	"github.com/badu/octohttp/transport"
)

// Option configures a Client at construction time. The non-goal on
// "user-facing configuration wrappers" (spec §1) means Client itself has no
// builder-pattern surface beyond this: one flat functional-options layer.
type Option func(*clientConfig)

type clientConfig struct {
	maxIdleConnections int
	keepAlive          time.Duration
	callTimeout        time.Duration
	maxRequests        int
	maxRequestsPerHost int
	dialer             pool.Dialer
	cacheStore         cachestore.Store
	cachePolicy        CacheConfig
	pinner             transport.ChainValidator
	jar                http.CookieJar
	proxySelector      transport.ProxySelector
	application        []Interceptor
	network            []Interceptor
	recorder           metrics.Recorder
	log                LogConfig
}

func defaultConfig() clientConfig {
	return clientConfig{
		maxIdleConnections: pool.DefaultMaxIdleConnections,
		keepAlive:          pool.DefaultKeepAliveDuration,
		callTimeout:        0,
		maxRequests:        DefaultMaxRequests,
		maxRequestsPerHost: DefaultMaxRequestsPerHost,
		cacheStore:         cachestore.NewMemory(),
		recorder:           metrics.NoOp(),
	}
}

// WithMaxIdleConnections bounds the idle-connection pool (spec §4.6).
func WithMaxIdleConnections(n int) Option {
	return func(c *clientConfig) { c.maxIdleConnections = n }
}

// WithKeepAlive sets how long an idle pooled connection survives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *clientConfig) { c.keepAlive = d }
}

// WithCallTimeout bounds the whole call, including redirects and retries
// (spec §4.8).
func WithCallTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.callTimeout = d }
}

// WithDispatcherLimits sets maxRequests / maxRequestsPerHost (spec §4.1).
func WithDispatcherLimits(maxRequests, maxRequestsPerHost int) Option {
	return func(c *clientConfig) {
		c.maxRequests = maxRequests
		c.maxRequestsPerHost = maxRequestsPerHost
	}
}

// WithDialer overrides the default connector (defaultDialer in dialer.go).
func WithDialer(d pool.Dialer) Option {
	return func(c *clientConfig) { c.dialer = d }
}

// WithCacheStore installs a cache store other than the in-memory default,
// e.g. cachestore.NewDisk for a journaled on-disk cache (spec §6).
func WithCacheStore(s cachestore.Store) Option {
	return func(c *clientConfig) { c.cacheStore = s }
}

// WithCachePolicy overrides the default CacheConfig (spec §6 cache-control
// overrides, testability hooks).
func WithCachePolicy(p CacheConfig) Option {
	return func(c *clientConfig) { c.cachePolicy = p }
}

// WithCertificatePinner installs certificate pinning (spec §4.7).
func WithCertificatePinner(pins []transport.CertificatePin) Option {
	return func(c *clientConfig) { c.pinner = pin.New(pins, pin.IdentityCleaner{}) }
}

// WithCookieJar installs a cookie store; the default is no cookie jar.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *clientConfig) { c.jar = jar }
}

// WithProxySelector overrides the default (net/http.ProxyFromEnvironment).
func WithProxySelector(p transport.ProxySelector) Option {
	return func(c *clientConfig) { c.proxySelector = p }
}

// WithApplicationInterceptor appends a user interceptor before the retry
// loop (spec §4.2).
func WithApplicationInterceptor(i Interceptor) Option {
	return func(c *clientConfig) { c.application = append(c.application, i) }
}

// WithNetworkInterceptor appends a user interceptor after cache/connect,
// wrapping the transport exchange (spec §4.2).
func WithNetworkInterceptor(i Interceptor) Option {
	return func(c *clientConfig) { c.network = append(c.network, i) }
}

// WithMetricsRecorder installs a metrics.Recorder other than the no-op
// default, e.g. metrics.NewPrometheus.
func WithMetricsRecorder(r metrics.Recorder) Option {
	return func(c *clientConfig) { c.recorder = r }
}

// WithLogConfig configures the Client's zap logger (see logging.go).
func WithLogConfig(l LogConfig) Option {
	return func(c *clientConfig) { c.log = l }
}
