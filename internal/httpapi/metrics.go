package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the HTTP API.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sseClients      prometheus.Gauge
	sseDrops        prometheus.Counter
	rateLimited     prometheus.Counter
	messagesSent    prometheus.Counter
	storeErrors     prometheus.Counter
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdeck",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatdeck",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatdeck",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		sseDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdeck",
			Name:      "sse_drops_total",
			Help:      "SSE subscribers dropped for not draining",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdeck",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdeck",
			Name:      "messages_sent_total",
			Help:      "Number of chat messages delivered to SSE clients",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdeck",
			Name:      "store_write_errors_total",
			Help:      "Number of message store write errors reported",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.sseClients,
		m.sseDrops,
		m.rateLimited,
		m.messagesSent,
		m.storeErrors,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

// IncSSEDrops increments the slow-subscriber drop counter.
func (m *Metrics) IncSSEDrops() {
	if m == nil {
		return
	}
	m.sseDrops.Inc()
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncMessagesSent increments the delivered message counter.
func (m *Metrics) IncMessagesSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// IncStoreErrors increments the store write error counter.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
