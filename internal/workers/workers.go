package workers

import (
	"os"
	"runtime"
	"strconv"
)

// EnvOverride names the environment variable that fixes the probe worker count.
const EnvOverride = "PROBE_WORKERS"

// Count returns the number of workers for a task whose CPU demand per worker
// is described by multiplier (1.0 for CPU-bound, 2.0 for I/O-bound work).
// GOMAXPROCS is used as the CPU count so container limits are respected.
//
// A positive PROBE_WORKERS value replaces the computed count. limit caps the
// result either way; 0 means no cap.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv(EnvOverride); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			if limit > 0 && count > limit {
				return limit
			}
			return count
		}
	}

	workers := int(float64(runtime.GOMAXPROCS(0)) * multiplier)
	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}
	return workers
}

// ForIO returns the worker count for I/O-bound tasks such as ffprobe runs,
// which mostly wait on the source volume.
func ForIO(limit int) int {
	return Count(2.0, limit)
}
