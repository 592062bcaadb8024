// Package metrics provides Prometheus metrics for the snapshot service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotAttempts tracks the total number of pipeline runs by outcome.
	SnapshotAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tree_snapshot_attempts_total",
		Help: "Total number of snapshot runs",
	}, []string{"status"})

	// SnapshotDuration tracks the duration of each pipeline phase.
	SnapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tree_snapshot_duration_seconds",
		Help:    "Duration of snapshot phases in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	}, []string{"phase"})

	// ArchiveSize tracks the size of the last archive.
	ArchiveSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tree_snapshot_archive_size_bytes",
		Help: "Size of the last archive in bytes",
	})

	// ArchiveSkippedFiles counts files left out of archives because they could not be read.
	ArchiveSkippedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tree_snapshot_archive_skipped_files_total",
		Help: "Total number of unreadable files skipped while archiving",
	})

	// ArchiveTruncatedFiles counts archive entries cut short by a read failure.
	ArchiveTruncatedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tree_snapshot_archive_truncated_files_total",
		Help: "Total number of archive entries left incomplete by a read failure",
	})

	// UploadedBytes counts bytes accepted by the store.
	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tree_snapshot_uploaded_bytes_total",
		Help: "Total number of archive bytes uploaded",
	})

	// UploadProgress is the fraction of the current multipart upload that is done.
	UploadProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tree_snapshot_upload_progress_ratio",
		Help: "Fraction of the current multipart upload completed",
	})

	// PartsUploaded counts multipart part uploads by outcome.
	PartsUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tree_snapshot_parts_uploaded_total",
		Help: "Total number of multipart parts uploaded",
	}, []string{"status"})

	// MultipartSessions counts multipart session transitions.
	MultipartSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tree_snapshot_multipart_sessions_total",
		Help: "Total number of multipart sessions by transition",
	}, []string{"event"})

	// StorageOperations tracks storage operations.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tree_snapshot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "provider", "status"})

	// RateLimitBlocked tracks scheduled runs skipped by respawn protection.
	RateLimitBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tree_snapshot_rate_limit_blocked_total",
		Help: "Total number of scheduled snapshots skipped by rate limiting",
	})

	// LastSnapshotTimestamp tracks when the last successful snapshot occurred.
	LastSnapshotTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tree_snapshot_last_success_timestamp",
		Help: "Unix timestamp of the last successful snapshot",
	})

	// SnapshotsPruned tracks the number of old remote snapshots deleted.
	SnapshotsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tree_snapshot_pruned_total",
		Help: "Total number of old remote snapshots deleted",
	})

	// LocalCleanupDeferred counts local archives left for removal at exit.
	LocalCleanupDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tree_snapshot_local_cleanup_deferred_total",
		Help: "Total number of local archives that could not be deleted after upload",
	})

	// Info provides static information about the service.
	Info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tree_snapshot_info",
		Help: "Information about the snapshot service",
	}, []string{"version", "storage_provider"})
)

// RecordSnapshotAttempt records a run with its status.
func RecordSnapshotAttempt(success bool) {
	SnapshotAttempts.WithLabelValues(status(success)).Inc()
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation, provider string, success bool) {
	StorageOperations.WithLabelValues(operation, provider, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
