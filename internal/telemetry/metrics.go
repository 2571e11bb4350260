package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_enqueued_total", Help: "Total generation requests accepted"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	CompletedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_completed_total", Help: "Entries that reached completed"})
	FailedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_failed_total", Help: "Entries that reached terminal failed"})
	RetryCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_retried_total", Help: "Retryable failures re-queued to pending"})
	TimeoutReclaims   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_timeout_reclaims_total", Help: "Stalled processing entries failed by cleanup"})
	PartialFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_partial_failures_total", Help: "Output items that failed within otherwise successful jobs"})
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_delivery_failures_total", Help: "Per-recipient broadcast delivery failures"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_queue_depth", Help: "Pending entries awaiting a processor"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_inflight", Help: "Entries currently processing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			CompletedCounter,
			FailedCounter,
			RetryCounter,
			TimeoutReclaims,
			PartialFailures,
			BroadcastFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
