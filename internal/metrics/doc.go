// Package metrics provides Prometheus instrumentation for the media delivery engine.
//
// All metrics are registered with promauto at package init and prefixed with
// "media_delivery_" to avoid naming collisions with other applications.
//
// # Metric Categories
//
// ## Encoder Metrics
//
// Track external encoder processes:
//   - EncoderJobsTotal: Counter of jobs by profile and outcome
//   - EncoderJobDuration: Histogram of job wall-clock time by profile
//   - EncoderJobsInProgress: Gauge of running processes by profile
//   - EncoderSingleWriterConflicts: Counter of starts rejected because the key already had a writer
//
// ## Concurrency Gate Metrics
//
//   - GateReservationsTotal: Counter of reservation attempts by pool and result
//   - GateSlotsInUse: Gauge of reserved slots per pool
//
// ## Live Fallback Metrics
//
//   - FallbackStreamsTotal: Counter of live streams by mode and outcome
//   - FallbackStreamsActive: Gauge of streams currently being served
//
// ## Scheduler and Cache Metrics
//
//   - SchedulerRunsTotal, SchedulerDecisionsTotal
//   - CacheInvalidationsTotal, CacheServedTotal
//   - CacheSizeBytes, CacheArtifacts (updated by the Collector)
//
// ## HTTP, Database, Indexer and Filesystem Metrics
//
// Request counts and latencies, SQLite query timings, indexer runs and source
// change counts, and ESTALE retry counters for NFS-mounted volumes.
//
// # Collector
//
// Collector polls a StatsProvider (the cache store) on an interval and refreshes
// the cache usage gauges:
//
//	collector := metrics.NewCollector(store, time.Minute)
//	collector.Start()
//	defer collector.Stop()
//
// Call InitializeMetrics once at startup so every labelled series is exported
// from the first scrape.
package metrics
