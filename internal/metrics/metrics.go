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
			Name: "stagebell_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagebell_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebell_jobs_enqueued_total",
			Help: "Delayed jobs enqueued by kind",
		},
		[]string{"kind"},
	)

	jobsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebell_jobs_duplicate_total",
			Help: "Enqueue attempts rejected by duplicate job id",
		},
		[]string{"kind"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebell_jobs_processed_total",
			Help: "Jobs processed by kind and result (completed, retried, dead)",
		},
		[]string{"kind", "result"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagebell_queue_depth",
			Help: "Jobs currently waiting in the delayed queue",
		},
	)

	pushesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebell_pushes_sent_total",
			Help: "Push messages delivered by notification type",
		},
		[]string{"type"},
	)

	pushesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebell_pushes_failed_total",
			Help: "Push messages the gateway reported failed",
		},
		[]string{"type"},
	)

	invalidTokensCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagebell_invalid_tokens_cleared_total",
			Help: "Push tokens cleared after the gateway reported them permanently invalid",
		},
	)

	recoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebell_recovery_outcomes_total",
			Help: "Recovery pass outcomes (pass: future|stale; outcome: recovered, present, refired, failed, error)",
		},
		[]string{"pass", "outcome"},
	)

	historyPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagebell_history_pruned_total",
			Help: "Expired delivery-history entries removed by the sweep",
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

// RecordJobEnqueued records a successful enqueue
func RecordJobEnqueued(kind string) {
	jobsEnqueued.WithLabelValues(kind).Inc()
}

// RecordJobDuplicate records an enqueue rejected by duplicate id
func RecordJobDuplicate(kind string) {
	jobsDuplicate.WithLabelValues(kind).Inc()
}

// RecordJobProcessed records a job's processing result
func RecordJobProcessed(kind, result string) {
	jobsProcessed.WithLabelValues(kind, result).Inc()
}

// SetQueueDepth sets the current delayed-queue depth
func SetQueueDepth(depth int64) {
	queueDepth.Set(float64(depth))
}

// RecordPushesSent records successful push deliveries
func RecordPushesSent(notificationType string, count int) {
	pushesSent.WithLabelValues(notificationType).Add(float64(count))
}

// RecordPushesFailed records gateway-reported delivery failures
func RecordPushesFailed(notificationType string, count int) {
	pushesFailed.WithLabelValues(notificationType).Add(float64(count))
}

// RecordInvalidTokensCleared records cleared push tokens
func RecordInvalidTokensCleared(count int64) {
	invalidTokensCleared.Add(float64(count))
}

// RecordRecoveryOutcome records one intent's recovery outcome
func RecordRecoveryOutcome(pass, outcome string) {
	recoveryOutcomes.WithLabelValues(pass, outcome).Inc()
}

// RecordHistoryPruned records pruned history entries
func RecordHistoryPruned(count int64) {
	historyPruned.Add(float64(count))
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
