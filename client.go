package octohttp

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/badu/octohttp/internal/pool"
	"github.com/badu/octohttp/transport"
)

// Client is the engine's public entry point: spec §2's facade over the
// dispatcher, interceptor chain, connection pool and cache. One Client
// should be reused for the lifetime of an application, the way the
// teacher's cli.Client and its Transport are meant to be shared (spec §9
// Design Notes: one CoreRuntime singleton per Client).
type Client struct {
	cfg         clientConfig
	dispatcher  *Dispatcher
	runtime     *coreRuntime
	log         *zap.Logger
	callTimeout time.Duration

	application []Interceptor
	network     []Interceptor
	retry       Interceptor
	bridge      Interceptor
	cache       Interceptor
	connect     Interceptor
	callServer  Interceptor
}

// New builds a Client from the supplied Options. A Client built with no
// options has sane, runnable defaults: an in-memory cache, system DNS,
// net/http.ProxyFromEnvironment, no certificate pinning, no cookie jar.
func New(opts ...Option) *Client {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	log := newLogger(cfg.log)
	c := &Client{
		cfg:         cfg,
		log:         log,
		callTimeout: cfg.callTimeout,
	}
	c.dispatcher = newDispatcher(log)
	c.dispatcher.MaxRequests = cfg.maxRequests
	c.dispatcher.MaxRequestsPerHost = cfg.maxRequestsPerHost
	c.runtime = newCoreRuntime(cfg, log)

	c.application = cfg.application
	c.network = cfg.network
	c.retry = NewRetryAndFollowUpInterceptor()
	c.bridge = NewBridgeInterceptor(cfg.jar)
	c.cache = NewCacheInterceptor(cfg.cacheStore, cfg.cachePolicy, cfg.recorder)
	c.connect = NewConnectInterceptor(c)
	c.callServer = NewCallServerInterceptor()
	return c
}

// NewCall starts a Call for req; use Execute for synchronous use or Enqueue
// to run it on the Dispatcher (spec §4.8).
func (c *Client) NewCall(req *http.Request) *Call {
	return newCall(c, req, c.log)
}

// Do is the common-case synchronous entry point: equivalent to
// c.NewCall(req).Execute().
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.NewCall(req).Execute()
}

// Get issues a GET to url and executes it synchronously.
func (c *Client) Get(rawURL string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Close tears down the Client's shared runtime: cancels every outstanding
// call, evicts pooled connections, and closes the cache store (spec §9).
func (c *Client) Close() error {
	c.dispatcher.cancelAll()
	c.runtime.close()
	if c.cfg.cacheStore != nil {
		return c.cfg.cacheStore.Close()
	}
	return nil
}

func (c *Client) endpointFor(u *url.URL) (*transport.Endpoint, error) {
	return c.runtime.endpointFor(u, c.cfg)
}

func (c *Client) newFinder(endpoint *transport.Endpoint) *pool.ExchangeFinder {
	return pool.NewExchangeFinder(endpoint, c.runtime.pool, c.runtime.routes, c.runtime.dialer, c.log)
}

// getResponseWithInterceptorChain assembles and drives the standard chain
// for one Call attempt (spec §4.2, §4.8).
func (c *Client) getResponseWithInterceptorChain(call *Call, req *http.Request) (*http.Response, error) {
	chain := &Chain{
		interceptors: StandardChain(call, c.application, c.network, c.retry, c.bridge, c.cache, c.connect, c.callServer),
		index:        0,
		call:         call,
		request:      req,
		log:          c.log,
	}
	return chain.Proceed(req)
}
