package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"media-delivery/internal/metrics"
)

// Paths deeper than this are truncated to keep label cardinality bounded.
const maxPathSegments = 4

// Route prefixes whose next segment is a media id.
var mediaIDPrefixes = []string{"/api/stream/", "/api/stream-info/", "/api/cache/"}

// metricsResponseWriter captures the status code and, for playback
// responses, the time the first byte went out.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode      int
	headerWritten   bool
	startTime       time.Time
	firstByteTime   time.Time
	isStreamingPath bool
}

func newMetricsResponseWriter(w http.ResponseWriter, startTime time.Time, isStreaming bool) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter:  w,
		statusCode:      http.StatusOK,
		startTime:       startTime,
		isStreamingPath: isStreaming,
	}
}

func (rw *metricsResponseWriter) markHeader() {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	if rw.isStreamingPath {
		rw.firstByteTime = time.Now()
	}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	if !rw.headerWritten {
		rw.statusCode = code
	}
	rw.markHeader()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	rw.markHeader()
	return rw.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so live streams are not buffered.
func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// GetDuration returns the time to first byte for playback responses, which
// may stream for hours, and the total duration for everything else.
func (rw *metricsResponseWriter) GetDuration() time.Duration {
	if rw.isStreamingPath && !rw.firstByteTime.IsZero() {
		return rw.firstByteTime.Sub(rw.startTime)
	}
	return time.Since(rw.startTime)
}

// MetricsConfig holds configuration for the metrics middleware
type MetricsConfig struct {
	// SkipPaths are paths that should not be recorded
	SkipPaths []string
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		SkipPaths: []string{"/metrics", "/health", "/healthz", "/livez", "/readyz"},
	}
}

// Metrics returns a middleware that records Prometheus metrics. Mounted with
// mux.Router.Use, the route template is used as the path label.
func Metrics(config MetricsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range config.SkipPaths {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}

			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			wrapped := newMetricsResponseWriter(w, time.Now(), isStreamingPath(r.URL.Path))

			next.ServeHTTP(wrapped, r)

			path := routeLabel(r)
			status := strconv.Itoa(wrapped.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(wrapped.GetDuration().Seconds())
		})
	}
}

// isStreamingPath reports whether path is a playback request.
func isStreamingPath(path string) bool {
	return strings.HasPrefix(path, "/api/stream/")
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces media ids with {id} and truncates deep paths.
func normalizePath(path string) string {
	for _, prefix := range mediaIDPrefixes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return prefix + "{id}" + normalizeTail(rest[i:])
		}
		return prefix + "{id}"
	}

	parts := strings.Split(path, "/")
	if len(parts) > maxPathSegments+1 {
		return strings.Join(parts[:maxPathSegments+1], "/") + "/{path}"
	}
	return path
}

// normalizeTail keeps a single trailing action segment such as /invalidate.
func normalizeTail(tail string) string {
	if strings.Count(tail, "/") > 1 {
		return "/{path}"
	}
	return tail
}
