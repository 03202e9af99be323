package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Identity provider metrics
	IdPRequestsTotal   *prometheus.CounterVec
	IdPRequestDuration *prometheus.HistogramVec
	IdPRetriesTotal    *prometheus.CounterVec
	IdPTokenRefreshes  prometheus.Counter

	// Saga metrics
	SagaTotal          *prometheus.CounterVec
	CompensationsTotal *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileTransitionsTotal *prometheus.CounterVec
	ReconcileScanDuration     prometheus.Histogram
	AccountsByStatus          *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		IdPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idsync_idp_requests_total",
				Help: "Identity provider admin calls by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		IdPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idsync_idp_request_duration_seconds",
				Help:    "Identity provider admin call duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		IdPRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idsync_idp_retries_total",
				Help: "Transient identity provider failures that were retried",
			},
			[]string{"operation"},
		),
		IdPTokenRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idsync_idp_token_refreshes_total",
				Help: "Admin session tokens fetched from the identity provider",
			},
		),

		SagaTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idsync_saga_total",
				Help: "Saga executions by saga and outcome",
			},
			[]string{"saga", "outcome"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idsync_compensations_total",
				Help: "Compensating actions by saga and outcome",
			},
			[]string{"saga", "outcome"},
		),

		ReconcileTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idsync_reconcile_transitions_total",
				Help: "Account state transitions performed by the reconciler",
			},
			[]string{"from", "to"},
		),
		ReconcileScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "idsync_reconcile_scan_duration_seconds",
				Help:    "Duration of a full reconciliation scan",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
		),
		AccountsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "idsync_accounts",
				Help: "Local accounts by status, refreshed after each scan",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.IdPRequestsTotal,
		m.IdPRequestDuration,
		m.IdPRetriesTotal,
		m.IdPTokenRefreshes,
		m.SagaTotal,
		m.CompensationsTotal,
		m.ReconcileTransitionsTotal,
		m.ReconcileScanDuration,
		m.AccountsByStatus,
	)

	return m
}

// NewNopMetrics returns metrics registered against a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveIdPCall records one identity provider call.
func (m *Metrics) ObserveIdPCall(operation string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if statusCode != 0 {
		status = strconv.Itoa(statusCode)
	}
	m.IdPRequestsTotal.WithLabelValues(operation, status).Inc()
	m.IdPRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncRetry counts a retried identity provider call.
func (m *Metrics) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.IdPRetriesTotal.WithLabelValues(operation).Inc()
}

// IncTokenRefresh counts an admin token fetch.
func (m *Metrics) IncTokenRefresh() {
	if m == nil {
		return
	}
	m.IdPTokenRefreshes.Inc()
}

// ObserveSaga records a saga outcome ("success", "failed", "compensated").
func (m *Metrics) ObserveSaga(saga, outcome string) {
	if m == nil {
		return
	}
	m.SagaTotal.WithLabelValues(saga, outcome).Inc()
}

// ObserveCompensation records a compensation outcome ("success" or "failed").
func (m *Metrics) ObserveCompensation(saga, outcome string) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(saga, outcome).Inc()
}

// ObserveTransition records an account state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.ReconcileTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveScan records the duration of a reconciliation scan.
func (m *Metrics) ObserveScan(duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileScanDuration.Observe(duration.Seconds())
}

// SetAccounts publishes account counts by status.
func (m *Metrics) SetAccounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.AccountsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// routeOf maps a request to a low-cardinality route label.
func HTTPMetricsMiddleware(metrics *Metrics, routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeOf != nil {
				route = routeOf(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
