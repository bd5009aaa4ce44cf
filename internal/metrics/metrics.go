package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_events_emitted_total",
			Help: "Events appended to the outbox by event type",
		},
		[]string{"event_type"},
	)

	outboxExpanded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_outbox_events_expanded_total",
			Help: "Outbox events expanded into jobs",
		},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_jobs_enqueued_total",
			Help: "Jobs enqueued by type; duplicate=true when the idempotency key already existed",
		},
		[]string{"job_type", "duplicate"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_job_runs_total",
			Help: "Job executions by type and resulting status",
		},
		[]string{"job_type", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"job_type"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_dead_letters_total",
			Help: "Jobs moved to the dead-letter store",
		},
		[]string{"job_type"},
	)

	notificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_notification_deliveries_total",
			Help: "Notification attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_webhook_deliveries_total",
			Help: "Webhook POSTs by outcome",
		},
		[]string{"status"},
	)

	webhookLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_webhook_latency_seconds",
			Help:    "Webhook round-trip time",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_rate_limit_rejections_total",
			Help: "Requests or sends rejected by a rate limiter",
		},
		[]string{"scope"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_idempotency_hits_total",
			Help: "Requests answered from the idempotency replay cache",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordEventEmitted(eventType string) {
	eventsEmitted.WithLabelValues(eventType).Inc()
}

func RecordOutboxExpanded(n int) {
	outboxExpanded.Add(float64(n))
}

// RecordJobEnqueued counts an enqueue; duplicate means the key resolved to an existing job
func RecordJobEnqueued(jobType string, duplicate bool) {
	jobsEnqueued.WithLabelValues(jobType, strconv.FormatBool(duplicate)).Inc()
}

// RecordJobRun records the outcome of one handler execution
func RecordJobRun(jobType, status string, duration time.Duration) {
	jobRuns.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

func RecordDeadLetter(jobType string) {
	deadLetters.WithLabelValues(jobType).Inc()
}

func RecordNotificationDelivery(channel, status string) {
	notificationDeliveries.WithLabelValues(channel, status).Inc()
}

func RecordWebhookDelivery(status string, latency time.Duration) {
	webhookDeliveries.WithLabelValues(status).Inc()
	webhookLatency.Observe(latency.Seconds())
}

// RecordRateLimitRejection records a limiter rejection ("api" or "notify")
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordIdempotencyHit records a replayed response
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetCircuitState publishes a breaker's state
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
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

// Middleware records request metrics labelled by the matched chi route pattern,
// so ids in the path do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
