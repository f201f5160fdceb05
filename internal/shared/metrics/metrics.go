package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing, so business code never guards its calls.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	QuotaDeductions    *prometheus.CounterVec
	QuotaRetries       prometheus.Counter
	QuotaRefreshes     prometheus.Counter
	FallbackDeductions *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		}),
		QuotaDeductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_deductions_total",
			Help: "Annual quota deduction outcomes by kind and result.",
		}, []string{"kind", "result"}),
		QuotaRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_deduction_retries_total",
			Help: "Optimistic-lock retries during quota deduction.",
		}),
		QuotaRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_refreshes_total",
			Help: "Monthly quota refreshes performed.",
		}),
		FallbackDeductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_fallback_deductions_total",
			Help: "Fallback pool deduction outcomes by kind and result.",
		}, []string{"kind", "result"}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QuotaDeductions,
		m.QuotaRetries,
		m.QuotaRefreshes,
		m.FallbackDeductions,
	)
	return m
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDeduction records the terminal outcome of an annual deduction.
func (m *Metrics) RecordDeduction(kind, result string) {
	if m == nil {
		return
	}
	m.QuotaDeductions.WithLabelValues(kind, result).Inc()
}

// RecordRetry records one optimistic-lock retry.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.QuotaRetries.Inc()
}

// RecordRefresh records one performed refresh.
func (m *Metrics) RecordRefresh() {
	if m == nil {
		return
	}
	m.QuotaRefreshes.Inc()
}

// RecordFallback records the outcome of a fallback-pool deduction.
func (m *Metrics) RecordFallback(kind, result string) {
	if m == nil {
		return
	}
	m.FallbackDeductions.WithLabelValues(kind, result).Inc()
}
