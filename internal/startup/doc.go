// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig]:
//
//   - MEDIA_DIR: Root of the video library (default: /media)
//   - CACHE_DIR: Root of the remux and transcode caches (default: /cache)
//   - DATABASE_DIR: Directory for the profile database (default: /database)
//   - PORT: HTTP server port (default: 8080)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable the metrics server (default: true)
//   - INDEX_INTERVAL: Periodic re-index interval as Go duration, 0 disables (default: 30m)
//   - FFMPEG_PATH / FFPROBE_PATH: Encoder and prober binaries (default: from PATH)
//   - CHAIN_BACKGROUND_JOBS: Start the next cache build when one finishes (default: true)
//   - WATCH_MEDIA_DIR: Rescan on filesystem events (default: true)
//   - PROBE_WORKERS: Concurrent ffprobe processes (default: sized from GOMAXPROCS)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//   - LOG_HEALTH_CHECKS: Log health check requests (default: true)
//
// # Directory Setup
//
// The database directory is required and must be writable. The cache
// directory is optional: when it cannot be created or written, caching is
// disabled and incompatible videos play through live transcoding only.
//
// # Build Information
//
// Version, Commit and BuildTime are injected with -ldflags and exposed via
// [GetBuildInfo].
package startup
