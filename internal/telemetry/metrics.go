package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_started_total", Help: "Jobs created and dispatched"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_completed_total", Help: "Jobs finalized as completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_failed_total", Help: "Jobs finalized as failed"})
	JobsPartial      = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_partial_total", Help: "Jobs parked in partial_failure"})
	ItemsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_items_completed_total", Help: "Items generated successfully"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_items_failed_total", Help: "Items that exhausted retries"})
	ItemRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_item_retries_total", Help: "Item generation attempts re-queued"})
	Charges          = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_charges_total", Help: "Reservations charged"})
	Refunds          = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_refunds_total", Help: "Reservations released"})
	SweeperReleases  = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_sweeper_releases_total", Help: "Reservations released by the expiry sweeper"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_context_cache_hits_total", Help: "Shared-context cache hits"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_context_cache_misses_total", Help: "Shared-context cache misses"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "insight_queue_depth", Help: "Ready dispatch queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "insight_items_inflight", Help: "Items currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			JobsPartial,
			ItemsCompleted,
			ItemsFailed,
			ItemRetries,
			Charges,
			Refunds,
			SweeperReleases,
			CacheHits,
			CacheMisses,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
