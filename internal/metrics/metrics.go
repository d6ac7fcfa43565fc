// Package metrics exposes Prometheus collectors for the catalog crawler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var explorerStates = []string{"seeding", "exploring", "finalizing", "sleeping", "shutting_down"}

var (
	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_pages_total",
			Help: "Pages fetched by the explorer, labeled by fetch outcome.",
		},
		[]string{"outcome"},
	)

	entitiesRegisteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_entities_registered_total",
			Help: "Newly discovered catalog entities registered, labeled by kind.",
		},
		[]string{"kind"},
	)

	frontierAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_frontier_admitted_total",
			Help: "Links admitted to the frontier that were not yet explored today.",
		},
	)

	linksIgnoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_links_ignored_total",
			Help: "Discovered links rejected by the explorable allow-list.",
		},
	)

	reservationsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_reservations_cancelled_total",
			Help: "In-flight frontier reservations returned to the frontier.",
		},
	)

	batchClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_batch_claims_total",
			Help: "Batch claim attempts, labeled by worker and result.",
		},
		[]string{"worker", "result"},
	)

	batchPagesScannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_batch_pages_scanned_total",
			Help: "Backlog pages read while claiming batches, labeled by worker.",
		},
		[]string{"worker"},
	)

	scannerItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_scanner_items_total",
			Help: "Claimed ids processed by periodic workers, labeled by worker and outcome.",
		},
		[]string{"worker", "outcome"},
	)

	backoffSecondsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_backoff_seconds_total",
			Help: "Time spent backing off, labeled by component and reason.",
		},
		[]string{"component", "reason"},
	)

	explorerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_explorer_state",
			Help: "Current explorer state (1 for the active state).",
		},
		[]string{"state"},
	)

	prefetchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_prefetch_in_flight",
			Help: "Fetches currently in the prefetch window.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_rate_limit_delays_seconds",
			Help:    "Histogram of client-side politeness waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one explorer fetch by outcome.
func ObservePage(outcome string) {
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRegistered counts newly registered entities.
func ObserveRegistered(kind string, n int) {
	if n > 0 {
		entitiesRegisteredTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveAdmitted counts links admitted to the frontier.
func ObserveAdmitted(n int) {
	if n > 0 {
		frontierAdmittedTotal.Add(float64(n))
	}
}

// ObserveIgnored counts links dropped by the allow-list.
func ObserveIgnored(n int) {
	if n > 0 {
		linksIgnoredTotal.Add(float64(n))
	}
}

// ObserveCancelled counts reservations returned to the frontier.
func ObserveCancelled(n int) {
	if n > 0 {
		reservationsCancelledTotal.Add(float64(n))
	}
}

// ObserveBatchClaim records one GetNextBatch call.
func ObserveBatchClaim(worker string, claimed int, pagesScanned int) {
	result := "claimed"
	if claimed == 0 {
		result = "exhausted"
	}
	batchClaimsTotal.WithLabelValues(worker, result).Inc()
	batchPagesScannedTotal.WithLabelValues(worker).Add(float64(pagesScanned))
}

// ObserveProcessed counts one id handled by a periodic worker.
func ObserveProcessed(worker, outcome string) {
	scannerItemsTotal.WithLabelValues(worker, outcome).Inc()
}

// ObserveBackoff records a backoff sleep.
func ObserveBackoff(component, reason string, d time.Duration) {
	backoffSecondsTotal.WithLabelValues(component, reason).Add(d.Seconds())
}

// SetExplorerState marks state as the active explorer state.
func SetExplorerState(state string) {
	for _, s := range explorerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		explorerState.WithLabelValues(s).Set(v)
	}
}

// SetPrefetchInFlight reports the current prefetch window size.
func SetPrefetchInFlight(n int) {
	prefetchInFlight.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
