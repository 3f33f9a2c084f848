// Package metrics provides Prometheus metrics for change detection and the content store.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tigscm_store_lookups_total",
			Help: "Content store tier lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	remoteBytesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tigscm_remote_bytes_fetched_total",
			Help: "Total bytes fetched from remote stores",
		},
	)

	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tigscm_remote_operation_duration_seconds",
			Help:    "Remote object store operation duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tigscm_remote_operations_total",
			Help: "Total remote object store operations",
		},
		[]string{"operation", "status"},
	)

	detectorResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tigscm_detector_resolutions_total",
			Help: "Change detector resolutions by kind",
		},
		[]string{"kind"},
	)

	detectorContentReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tigscm_detector_content_reads_total",
			Help: "Content comparisons performed by the change detector",
		},
	)

	watcherQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tigscm_watcher_queries_total",
			Help: "Watcher queries by freshness",
		},
		[]string{"fresh"},
	)

	watcherQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tigscm_watcher_query_duration_seconds",
			Help:    "Watcher query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tigscm_http_request_duration_seconds",
			Help:    "Status server request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)

	cachePurgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tigscm_cache_purges_total",
			Help: "Shared cache purges triggered by a purge marker",
		},
	)
)

// RecordStoreLookup records a single tier lookup.
func RecordStoreLookup(tier string, found bool) {
	result := "hit"
	if !found {
		result = "miss"
	}
	storeLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordRemoteOperation records a remote object store call.
func RecordRemoteOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	remoteOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(operation, status).Inc()
}

func RecordRemoteFetch(bytes int) {
	remoteBytesFetched.Add(float64(bytes))
}

// RecordResolution records one change detector verdict.
func RecordResolution(kind string) {
	detectorResolutionsTotal.WithLabelValues(kind).Inc()
}

func RecordContentRead() {
	detectorContentReads.Inc()
}

// RecordWatcherQuery records a watcher query and whether it was a fresh instance.
func RecordWatcherQuery(duration time.Duration, fresh bool) {
	label := "false"
	if fresh {
		label = "true"
	}
	watcherQueriesTotal.WithLabelValues(label).Inc()
	watcherQueryDuration.Observe(duration.Seconds())
}

func RecordCachePurge() {
	cachePurgesTotal.Inc()
}

// RecordHTTPRequest records one status server request.
func RecordHTTPRequest(route string, code int, duration time.Duration) {
	httpRequestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(duration.Seconds())
}
