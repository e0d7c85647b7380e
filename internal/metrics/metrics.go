// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestCount       *prometheus.CounterVec
	requestLatencyMS   *prometheus.HistogramVec
	engineDecryptCount *prometheus.CounterVec
	cacheHitCount      prometheus.Counter
	cacheMissCount     prometheus.Counter
	transactionCount   *prometheus.CounterVec
	openSessions       prometheus.Gauge
}

// New creates the relay metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Number of HTTP requests handled, by route and status code",
			},
			[]string{"route", "code"},
		),
		requestLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_latency_ms",
				Help:    "HTTP request latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"route"},
		),
		engineDecryptCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_engine_decrypts_total",
				Help: "Number of user-decrypt requests sent to the crypto engine",
			},
			[]string{"outcome"},
		),
		cacheHitCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_decrypt_cache_hits_total",
				Help: "Number of decrypted-value cache hits",
			},
		),
		cacheMissCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_decrypt_cache_misses_total",
				Help: "Number of decrypted-value cache misses",
			},
		),
		transactionCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transactions_total",
				Help: "Number of mutate transactions submitted, by outcome",
			},
			[]string{"outcome"},
		),
		openSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_open_sessions",
				Help: "Number of sessions currently open",
			},
		),
	}

	registry.MustRegister(m.requestCount)
	registry.MustRegister(m.requestLatencyMS)
	registry.MustRegister(m.engineDecryptCount)
	registry.MustRegister(m.cacheHitCount)
	registry.MustRegister(m.cacheMissCount)
	registry.MustRegister(m.transactionCount)
	registry.MustRegister(m.openSessions)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(route, code string, latencyMS float64) {
	m.requestCount.WithLabelValues(route, code).Inc()
	m.requestLatencyMS.WithLabelValues(route).Observe(latencyMS)
}

// EngineDecrypt records one engine user-decrypt request.
func (m *Metrics) EngineDecrypt(outcome string) {
	m.engineDecryptCount.WithLabelValues(outcome).Inc()
}

// CacheHit records a decrypted-value cache hit.
func (m *Metrics) CacheHit() { m.cacheHitCount.Inc() }

// CacheMiss records a decrypted-value cache miss.
func (m *Metrics) CacheMiss() { m.cacheMissCount.Inc() }

// Transaction records one submitted mutate transaction.
func (m *Metrics) Transaction(outcome string) {
	m.transactionCount.WithLabelValues(outcome).Inc()
}

// SetOpenSessions reports the current open-session count.
func (m *Metrics) SetOpenSessions(n int) {
	m.openSessions.Set(float64(n))
}
