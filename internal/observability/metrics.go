package observability

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the crawl engine, registered once at package init
// and updated by the scheduler and by cmd/scan's flush step as a chunk runs.
var (
	urlsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "prebidscan_urls_queued",
		Help: "Number of URLs queued in the current chunk",
	})
	urlsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "prebidscan_urls_in_flight",
		Help: "Number of URLs currently being probed",
	})
	urlsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prebidscan_urls_processed_total",
		Help: "Total number of URLs processed",
	})
	urlsSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prebidscan_urls_success_total",
		Help: "Total number of URLs with ad-tech evidence found",
	})
	urlsNoDataTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prebidscan_urls_no_data_total",
		Help: "Total number of URLs that loaded with no ad-tech evidence",
	})
	urlsErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prebidscan_urls_error_total",
		Help: "Total number of URLs that failed, labeled by error code",
	}, []string{"code"})
	browserRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prebidscan_browser_restarts_total",
		Help: "Total number of browser restarts after a crash",
	})
	chunkDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prebidscan_chunk_duration_seconds",
		Help:    "Wall-clock duration of one chunk's run",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		urlsQueued,
		urlsInFlight,
		urlsProcessedTotal,
		urlsSuccessTotal,
		urlsNoDataTotal,
		urlsErrorTotal,
		browserRestartsTotal,
		chunkDurationSeconds,
	)
}

// SetQueued records the current chunk's queue depth.
func SetQueued(n int) { urlsQueued.Set(float64(n)) }

// SetInFlight records the number of probes currently running.
func SetInFlight(n int) { urlsInFlight.Set(float64(n)) }

// RecordResult increments the processed/outcome counters for one TaskResult.
func RecordResult(kind string, code string) {
	urlsProcessedTotal.Inc()

	switch kind {
	case "success":
		urlsSuccessTotal.Inc()
	case "no_data":
		urlsNoDataTotal.Inc()
	case "error":
		urlsErrorTotal.WithLabelValues(code).Inc()
	}
}

// IncrementBrowserRestarts increments the browser-crash-restart counter.
func IncrementBrowserRestarts() { browserRestartsTotal.Inc() }

// ObserveChunkDuration records one chunk's wall-clock duration in seconds.
func ObserveChunkDuration(seconds float64) { chunkDurationSeconds.Observe(seconds) }
