// Package metrics exposes Prometheus collectors for the accessibility services.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	originJobsTotal           *prometheus.CounterVec
	originJobDurationSeconds  prometheus.Histogram
	resultBytes               prometheus.Histogram
	activeWorkers             prometheus.Gauge
	originsReceivedTotal      *prometheus.CounterVec
	gridsAssembledTotal       prometheus.Counter
	gridCacheLoadsTotal       *prometheus.CounterVec
	httpMetrics               *HTTPMetrics
	submissionsThrottledTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		originJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_origin_jobs_total",
				Help: "Total number of single-origin jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		originJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "access_origin_job_duration_seconds",
				Help:    "Histogram of single-origin job durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		resultBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "access_result_bytes",
				Help:    "Size of encoded origin results before base64 wrapping.",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "access_active_workers",
				Help: "Number of workers currently processing an origin.",
			},
		)

		originsReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_collator_origins_total",
				Help: "Origin results seen by the collator, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		gridsAssembledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "access_collator_grids_total",
				Help: "Total number of access grids assembled and stored.",
			},
		)

		gridCacheLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_grid_cache_loads_total",
				Help: "Destination grid loads from the blob store, labeled by result.",
			},
			[]string{"result"},
		)

		httpMetrics = NewHTTPMetrics(prometheus.DefaultRegisterer)

		submissionsThrottledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "access_api_submissions_throttled_total",
				Help: "Regional job submissions rejected by the per-client rate limit.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOriginJob records a finished single-origin job.
func ObserveOriginJob(status string, duration time.Duration) {
	Init()
	originJobsTotal.WithLabelValues(status).Inc()
	originJobDurationSeconds.Observe(duration.Seconds())
}

// ObserveResultSize records the encoded size of an origin result.
func ObserveResultSize(n int) {
	Init()
	resultBytes.Observe(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveOriginReceived counts a collated message by outcome: "stored", "duplicate", "failed" or "rejected".
func ObserveOriginReceived(outcome string) {
	Init()
	originsReceivedTotal.WithLabelValues(outcome).Inc()
}

// ObserveGridAssembled counts a completed access grid.
func ObserveGridAssembled() {
	Init()
	gridsAssembledTotal.Inc()
}

// ObserveGridCacheLoad counts a destination grid load.
func ObserveGridCacheLoad(result string) {
	Init()
	gridCacheLoadsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpMetrics.Observe(method, route, code, duration)
}

// ObserveSubmissionThrottled counts a rejected regional job submission.
func ObserveSubmissionThrottled() {
	Init()
	submissionsThrottledTotal.Inc()
}
