package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_delivery_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_delivery_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_delivery_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// Indexer metrics
var (
	IndexerRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_delivery_indexer_runs_total",
			Help: "Total number of indexer runs",
		},
	)

	IndexerLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_delivery_indexer_last_run_timestamp",
			Help: "Timestamp of the last indexer run",
		},
	)

	IndexerLastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_delivery_indexer_last_run_duration_seconds",
			Help: "Duration of the last indexer run in seconds",
		},
	)

	IndexerFilesProbed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_indexer_files_probed_total",
			Help: "Total number of files probed by the indexer",
		},
		[]string{"status"},
	)

	IndexerSourceChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_indexer_source_changes_total",
			Help: "Number of source files detected as new, changed or removed",
		},
		[]string{"change"}, // "new", "modified", "removed"
	)

	IndexerIsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_delivery_indexer_running",
			Help: "Whether the indexer is currently running (1 = running, 0 = idle)",
		},
	)

	IndexerWatcherEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_indexer_watcher_events_total",
			Help: "Total number of filesystem watcher events",
		},
		[]string{"event_type"},
	)

	IndexerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_delivery_indexer_errors_total",
			Help: "Total number of index runs that failed",
		},
	)
)

// Encoder metrics
var (
	EncoderJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_encoder_jobs_total",
			Help: "Total number of encoder jobs by profile and outcome",
		},
		[]string{"profile", "status"}, // status: "success", "failed", "canceled"
	)

	EncoderJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_delivery_encoder_job_duration_seconds",
			Help:    "Encoder job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"profile"},
	)

	EncoderJobsInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_delivery_encoder_jobs_in_progress",
			Help: "Number of encoder processes currently running",
		},
		[]string{"profile"},
	)

	EncoderSingleWriterConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_delivery_encoder_single_writer_conflicts_total",
			Help: "Number of job starts rejected because the cache key already had a writer",
		},
	)
)

// Concurrency gate metrics
var (
	GateReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_gate_reservations_total",
			Help: "Slot reservation attempts by pool and result",
		},
		[]string{"pool", "result"}, // result: "granted", "saturated"
	)

	GateSlotsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_delivery_gate_slots_in_use",
			Help: "Number of reserved slots per pool",
		},
		[]string{"pool"},
	)
)

// Live fallback metrics
var (
	FallbackStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_fallback_streams_total",
			Help: "Live fallback streams by mode and outcome",
		},
		[]string{"mode", "status"}, // status: "completed", "client_gone", "failed", "unavailable"
	)

	FallbackStreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_delivery_fallback_streams_active",
			Help: "Number of live fallback streams currently being served",
		},
		[]string{"mode"},
	)
)

// Scheduler metrics
var (
	SchedulerRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_delivery_scheduler_runs_total",
			Help: "Total number of background cache scheduler invocations",
		},
	)

	SchedulerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_scheduler_decisions_total",
			Help: "Per-item scheduler outcomes",
		},
		[]string{"outcome"}, // "started", "ready", "building", "direct", "saturated", "failed_recently", "error"
	)
)

// Cache metrics
var (
	CacheInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_delivery_cache_invalidations_total",
			Help: "Total number of media ids invalidated",
		},
	)

	CacheServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_cache_served_total",
			Help: "Playback requests by serving mode",
		},
		[]string{"mode"}, // "direct", "cached", "live"
	)

	CacheSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_delivery_cache_size_bytes",
			Help: "Total size of ready cache artifacts by kind",
		},
		[]string{"kind"},
	)

	CacheArtifacts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_delivery_cache_artifacts",
			Help: "Number of cache artifact files by kind",
		},
		[]string{"kind"},
	)
)

// Filesystem retry metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_filesystem_retry_attempts_total",
			Help: "Number of filesystem operation retries after stale file handle errors",
		},
		[]string{"operation"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_filesystem_retry_failures_total",
			Help: "Number of filesystem operations that failed after all retries",
		},
		[]string{"operation"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_delivery_filesystem_stale_errors_total",
			Help: "Number of ESTALE errors observed",
		},
		[]string{"operation"},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_delivery_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)

	GoMemoryLimitBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_delivery_go_memory_limit_bytes",
			Help: "Go runtime memory limit derived from the container limit",
		},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
