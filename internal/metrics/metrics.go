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
			Name: "vlasia_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlasia_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_submissions_total",
			Help: "Rows created by user or admin actions, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	outboxListed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_outbox_listed_total",
			Help: "Pending rows returned by discovery, by kind",
		},
		[]string{"kind"},
	)

	outboxAcks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_outbox_acks_total",
			Help: "Acknowledge calls by kind and result",
		},
		[]string{"kind", "result"},
	)

	outboxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_outbox_failures_total",
			Help: "Delivery failures reported by the relay, by kind",
		},
		[]string{"kind"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_dead_letters_total",
			Help: "Rows moved to dead-letter after exhausting attempts",
		},
		[]string{"kind"},
	)

	relaySends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_relay_sends_total",
			Help: "Emails attempted by the relay, by kind and result",
		},
		[]string{"kind", "result"},
	)

	partialFanouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlasia_relay_partial_fanouts_total",
			Help: "Announcements acknowledged although some recipients failed",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vlasia_relay_sweep_duration_seconds",
			Help:    "Wall time of one relay sweep",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlasia_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlasia_idempotency_hits_total",
			Help: "Form submissions replayed from the idempotency cache",
		},
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

// RecordSubmission counts a contact, subscription or announcement write.
func RecordSubmission(kind, outcome string) {
	submissionsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordOutboxListed(kind string, n int) {
	outboxListed.WithLabelValues(kind).Add(float64(n))
}

// RecordOutboxAck counts an acknowledge with result ok, not_found or error.
func RecordOutboxAck(kind, result string) {
	outboxAcks.WithLabelValues(kind, result).Inc()
}

func RecordOutboxFailure(kind string) {
	outboxFailures.WithLabelValues(kind).Inc()
}

func RecordDeadLetter(kind string) {
	deadLetters.WithLabelValues(kind).Inc()
}

// RecordRelaySend counts a relay send with result sent or failed.
func RecordRelaySend(kind, result string) {
	relaySends.WithLabelValues(kind, result).Inc()
}

func RecordPartialFanout() {
	partialFanouts.Inc()
}

func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
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

// Middleware records request metrics labelled by chi route pattern, so ids
// in paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
