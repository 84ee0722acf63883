package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes
const (
	OutcomeRedirect    = "redirect"
	OutcomeProxy       = "proxy"
	OutcomeNotFound    = "not_found"
	OutcomeUnreachable = "upstream_unreachable"
	OutcomeError       = "error"
)

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15}

// Metrics holds the service's collectors on a private registry
type Metrics struct {
	registry      *prometheus.Registry
	resolutions   *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec
	linksCreated  prometheus.Counter
	codeExhausted prometheus.Counter
	cacheRequests *prometheus.CounterVec
}

// New registers the service collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shortlink_resolutions_total",
			Help: "Short code resolutions by outcome.",
		}, []string{"outcome"}),
		proxyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shortlink_proxy_fetch_seconds",
			Help:    "Time to receive upstream response headers for proxy-mode links.",
			Buckets: latencyBuckets,
		}, []string{"status_class"}),
		linksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortlink_links_created_total",
			Help: "Links created through the admin API.",
		}),
		codeExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortlink_code_generation_failures_total",
			Help: "Short code generations that exhausted their attempt budget.",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shortlink_cache_requests_total",
			Help: "Link cache lookups by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.resolutions,
		m.proxyLatency,
		m.linksCreated,
		m.codeExhausted,
		m.cacheRequests,
	)
	return m
}

// Resolved counts one resolution with the given outcome
func (m *Metrics) Resolved(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

// ProxyFetched records upstream latency by status class (2xx, 4xx, ..., or "error")
func (m *Metrics) ProxyFetched(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.proxyLatency.WithLabelValues(statusClass(status)).Observe(d.Seconds())
}

// LinkCreated counts one created link
func (m *Metrics) LinkCreated() {
	if m == nil {
		return
	}
	m.linksCreated.Inc()
}

// CodeSpaceExhausted counts a generation that ran out of attempts
func (m *Metrics) CodeSpaceExhausted() {
	if m == nil {
		return
	}
	m.codeExhausted.Inc()
}

// CacheLookup counts a cache hit, miss or error
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// Handler exposes the service registry together with the default one,
// which carries the Go runtime, process and database pool collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
