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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatches_total",
			Help: "Coordinator dispatches by notification type and outcome",
		},
		[]string{"type", "outcome"},
	)

	suppressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_suppressions_total",
			Help: "Dispatches suppressed by the preference resolver, by reason",
		},
		[]string{"reason"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Physical provider sends by channel and status",
		},
		[]string{"channel", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Provider call latency including rate-limiter wait",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_processed_total",
			Help: "Queue jobs processed by channel and result",
		},
		[]string{"channel", "result"},
	)

	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_enqueued_total",
			Help: "Jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	workersBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_workers_busy",
			Help: "Workers currently executing a job, per channel",
		},
		[]string{"channel"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one coordinator dispatch outcome.
func RecordDispatch(notificationType, outcome string) {
	dispatchesTotal.WithLabelValues(notificationType, outcome).Inc()
}

// RecordSuppression records a preference-resolver suppression.
func RecordSuppression(reason string) {
	suppressionsTotal.WithLabelValues(reason).Inc()
}

// RecordDelivery records one physical provider send.
func RecordDelivery(channel, status string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(channel, status).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordJobProcessed records a completed queue job execution.
func RecordJobProcessed(channel, result string) {
	jobsProcessedTotal.WithLabelValues(channel, result).Inc()
}

// RecordJobEnqueued records a job enqueue.
func RecordJobEnqueued(channel string) {
	jobsEnqueuedTotal.WithLabelValues(channel).Inc()
}

// WorkerBusy adjusts the busy-worker gauge for a channel.
func WorkerBusy(channel string, delta float64) {
	workersBusy.WithLabelValues(channel).Add(delta)
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
