// Package metrics externalizes the optional counters mentioned in spec §6
// (cache hit/miss/network-count) and §4.6 (pool/connection counts) behind a
// small Recorder interface, with a no-op default and a Prometheus adapter
// grounded on the corpus's use of github.com/prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder receives point-in-time counters from the engine. All methods
// must be safe for concurrent use and must never block on I/O.
type Recorder interface {
	CacheHit()
	CacheMiss()
	CacheNetworkCount()
	ConnectionAcquired(reused bool)
	ConnectionClosed()
	RequestCompleted(statusCode int)
}

type noop struct{}

// NoOp returns a Recorder whose methods do nothing, the default wired into
// every Client unless WithMetricsRecorder overrides it.
func NoOp() Recorder { return noop{} }

func (noop) CacheHit()                    {}
func (noop) CacheMiss()                   {}
func (noop) CacheNetworkCount()           {}
func (noop) ConnectionAcquired(bool)      {}
func (noop) ConnectionClosed()            {}
func (noop) RequestCompleted(int)         {}

// Prometheus adapts Recorder onto client_golang counters, registered against
// the supplied registerer (prometheus.DefaultRegisterer if nil).
type Prometheus struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	networkCount  prometheus.Counter
	connsAcquired *prometheus.CounterVec
	connsClosed   prometheus.Counter
	responses     *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		cacheHits:    prometheus.NewCounter(prometheus.CounterOpts{Name: "octohttp_cache_hits_total"}),
		cacheMisses:  prometheus.NewCounter(prometheus.CounterOpts{Name: "octohttp_cache_misses_total"}),
		networkCount: prometheus.NewCounter(prometheus.CounterOpts{Name: "octohttp_cache_network_requests_total"}),
		connsAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "octohttp_connections_acquired_total"}, []string{"reused"}),
		connsClosed:  prometheus.NewCounter(prometheus.CounterOpts{Name: "octohttp_connections_closed_total"}),
		responses:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "octohttp_responses_total"}, []string{"status"}),
	}
	reg.MustRegister(p.cacheHits, p.cacheMisses, p.networkCount, p.connsAcquired, p.connsClosed, p.responses)
	return p
}

func (p *Prometheus) CacheHit()          { p.cacheHits.Inc() }
func (p *Prometheus) CacheMiss()         { p.cacheMisses.Inc() }
func (p *Prometheus) CacheNetworkCount() { p.networkCount.Inc() }

func (p *Prometheus) ConnectionAcquired(reused bool) {
	label := "new"
	if reused {
		label = "reused"
	}
	p.connsAcquired.WithLabelValues(label).Inc()
}

func (p *Prometheus) ConnectionClosed() { p.connsClosed.Inc() }

func (p *Prometheus) RequestCompleted(statusCode int) {
	p.responses.WithLabelValues(statusCodeClass(statusCode)).Inc()
}

func statusCodeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
