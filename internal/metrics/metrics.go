// Package metrics provides Prometheus metrics for hoyosync.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Discovery metrics
	discoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoyosync_discovery_attempts_total",
			Help: "Catalog discovery attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	// Transfer metrics
	filesDownloadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoyosync_files_downloaded_total",
			Help: "Total number of files fetched",
		},
		[]string{"partition", "status"},
	)

	bytesDownloadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoyosync_bytes_downloaded_total",
			Help: "Total bytes written to the local cache",
		},
		[]string{"partition"},
	)

	filesDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoyosync_files_deleted_total",
			Help: "Total number of local files removed after server-side deletion",
		},
		[]string{"partition"},
	)

	// Partition metrics
	partitionSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoyosync_partition_syncs_total",
			Help: "Partition sync cycles by outcome",
		},
		[]string{"partition", "outcome"},
	)

	partitionSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoyosync_partition_sync_duration_seconds",
			Help:    "Duration of a partition sync cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"partition"},
	)

	cachedFiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hoyosync_cached_files",
			Help: "Number of files recorded in the cache per partition",
		},
		[]string{"partition"},
	)
)

// ObserveDiscovery records one strategy attempt.
func ObserveDiscovery(strategy string, ok bool) {
	discoveryAttemptsTotal.WithLabelValues(strategy, result(ok, "success", "failure")).Inc()
}

// RecordDownload records one fetched file.
func RecordDownload(partition string, bytes int64, success bool) {
	bytesDownloadedTotal.WithLabelValues(partition).Add(float64(bytes))
	filesDownloadedTotal.WithLabelValues(partition, result(success, "success", "error")).Inc()
}

// RecordDeletions records removed local files.
func RecordDeletions(partition string, n int) {
	if n <= 0 {
		return
	}
	filesDeletedTotal.WithLabelValues(partition).Add(float64(n))
}

// RecordPartitionSync records the outcome and duration of a partition cycle.
func RecordPartitionSync(partition, outcome string, duration time.Duration) {
	partitionSyncsTotal.WithLabelValues(partition, outcome).Inc()
	partitionSyncDuration.WithLabelValues(partition).Observe(duration.Seconds())
}

// SetCachedFiles sets the number of cached files of a partition.
func SetCachedFiles(partition string, n int) {
	cachedFiles.WithLabelValues(partition).Set(float64(n))
}

// WriteTextfile writes every registered metric to path in the text format
// read by node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
