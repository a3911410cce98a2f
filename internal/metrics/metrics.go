package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitepulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepulse_delivery_attempts_total",
			Help: "Total delivery attempts by downstream service",
		},
		[]string{"service"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepulse_deliveries_total",
			Help: "Settled deliveries by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitepulse_circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 open, 2 half-open)",
		},
		[]string{"service"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepulse_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by service and new state",
		},
		[]string{"service", "to"},
	)

	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepulse_escalations_total",
			Help: "Notifications escalated by reason",
		},
		[]string{"reason"},
	)

	dailyLimitSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitepulse_daily_limit_skips_total",
			Help: "Notifications skipped because the recipient hit the daily cap",
		},
	)

	adminAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitepulse_admin_alerts_total",
			Help: "Admin alerts raised by severity",
		},
		[]string{"severity"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitepulse_idempotency_hits_total",
			Help: "Create requests served from idempotency cache",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitepulse_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDeliveryAttempt records one attempt against a downstream service
func RecordDeliveryAttempt(service string) {
	deliveryAttempts.WithLabelValues(service).Inc()
}

// RecordDelivery records a settled delivery outcome
func RecordDelivery(service, outcome string) {
	deliveries.WithLabelValues(service, outcome).Inc()
}

// SetBreakerState exposes the current breaker state as a gauge
func SetBreakerState(service string, state int) {
	breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordBreakerTransition records a breaker state change
func RecordBreakerTransition(service, to string) {
	breakerTransitions.WithLabelValues(service, to).Inc()
}

// RecordEscalation records an escalated notification
func RecordEscalation(reason string) {
	escalations.WithLabelValues(reason).Inc()
}

// RecordDailyLimitSkip records a notification skipped by the daily cap
func RecordDailyLimitSkip() {
	dailyLimitSkips.Inc()
}

// RecordAdminAlert records a raised admin alert
func RecordAdminAlert(severity string) {
	adminAlerts.WithLabelValues(severity).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
