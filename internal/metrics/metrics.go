/*
Package metrics holds the Prometheus collectors for the data-access core.

Pool metrics:
  - joumla_pool_connections_in_use: checked-out connections (gauge)
  - joumla_pool_connections_open: opened connections, free or busy (gauge)
  - joumla_pool_acquire_wait_seconds: time spent waiting in Acquire (histogram)
  - joumla_pool_acquire_failures_total: failed acquires (counter)
    Labels: reason (exhausted, open_failed, restore_in_progress, closed, canceled)
  - joumla_pool_invalid_releases_total: contract violations on Release (counter)

Query metrics:
  - joumla_query_duration_seconds: executor call latency (histogram)
    Labels: kind (exec, fetch_one, fetch_all, tx)
  - joumla_query_errors_total: failed executor calls (counter)
    Labels: kind

Backup metrics:
  - joumla_backup_duration_seconds: backup/restore latency (histogram)
    Labels: operation (backup, restore)
  - joumla_backup_failures_total: failed backup/restore (counter)
    Labels: operation, reason
  - joumla_backup_last_archive_bytes: size of the last written archive (gauge)

There is no HTTP listener; WriteTextfile dumps the default registry for the
node_exporter textfile collector.
*/
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "joumla"

var (
	PoolConnectionsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_in_use",
			Help:      "Connections currently checked out of the pool",
		},
		[]string{"pool"},
	)

	PoolConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_open",
			Help:      "Connections opened by the pool, free or busy",
		},
		[]string{"pool"},
	)

	PoolAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a pooled connection",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"pool"},
	)

	PoolAcquireFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_failures_total",
			Help:      "Acquire calls that did not yield a connection",
		},
		[]string{"pool", "reason"},
	)

	PoolInvalidReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "invalid_releases_total",
			Help:      "Release calls with a foreign, stale or already free connection",
		},
		[]string{"pool"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Executor call latency including connection acquisition",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"kind"},
	)

	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "errors_total",
			Help:      "Executor calls that returned an error",
		},
		[]string{"kind"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Backup and restore latency",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"operation"},
	)

	BackupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "failures_total",
			Help:      "Failed backup and restore operations",
		},
		[]string{"operation", "reason"},
	)

	BackupLastArchiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_archive_bytes",
			Help:      "Size of the most recently written archive",
		},
	)
)

// RecordQuery observes one executor call.
func RecordQuery(kind string, started time.Time, err error) {
	QueryDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	if err != nil {
		QueryErrors.WithLabelValues(kind).Inc()
	}
}

// RecordBackup observes one backup or restore; reason is ignored on success.
func RecordBackup(operation string, started time.Time, reason string, err error) {
	BackupDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		BackupFailures.WithLabelValues(operation, reason).Inc()
	}
}

// WriteTextfile writes the default registry to path in the text exposition
// format. The write goes through a temp file so scrapers never see a partial file.
func WriteTextfile(path string) error {
	if path == "" {
		return fmt.Errorf("write metrics textfile: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write metrics textfile: create directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
