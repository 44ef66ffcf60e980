package memory

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"

	"media-delivery/internal/logging"
	"media-delivery/internal/metrics"
)

// DefaultMemoryRatio is the share of the container limit given to the Go
// heap. The rest is left to the ffmpeg processes, which run in the same
// cgroup and usually dominate memory use.
const DefaultMemoryRatio = 0.5

const (
	sourceGOMEMLIMIT   = "GOMEMLIMIT"
	sourceMemoryLimit  = "MEMORY_LIMIT"
	sourceNone         = "none"
	envMemoryLimit     = "MEMORY_LIMIT"
	envMemoryRatio     = "MEMORY_RATIO"
	envGoMemoryLimit   = "GOMEMLIMIT"
	unlimitedThreshold = math.MaxInt64
)

// ConfigResult holds the result of memory configuration
type ConfigResult struct {
	// Configured indicates whether a Go memory limit is in effect
	Configured bool

	// Source is "GOMEMLIMIT", "MEMORY_LIMIT" or "none"
	Source string

	// ContainerLimit is the container memory limit in bytes (0 if not set)
	ContainerLimit int64

	// GoMemLimit is the effective Go memory limit in bytes (0 if not set)
	GoMemLimit int64

	// Ratio is the memory ratio used (0 if not applicable)
	Ratio float64
}

// ConfigureFromEnv sets the Go memory limit from the container limit.
// Call it early in main before significant allocations.
//
// Environment variables:
//   - GOMEMLIMIT: read by the runtime itself; when set nothing is changed
//   - MEMORY_LIMIT: container memory limit in bytes (Kubernetes Downward API)
//   - MEMORY_RATIO: share of MEMORY_LIMIT for the Go heap (default: 0.5)
func ConfigureFromEnv() ConfigResult {
	result := ConfigResult{Source: sourceNone}

	if goMemLimitEnv := os.Getenv(envGoMemoryLimit); goMemLimitEnv != "" {
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < unlimitedThreshold {
			result.Configured = true
			result.Source = sourceGOMEMLIMIT
			result.GoMemLimit = limit
			metrics.GoMemoryLimitBytes.Set(float64(limit))
		}
		logging.Info("GOMEMLIMIT set via environment: %s", goMemLimitEnv)
		return result
	}

	memLimitStr := os.Getenv(envMemoryLimit)
	if memLimitStr == "" {
		logging.Debug("MEMORY_LIMIT not set, Go memory limit left unconfigured")
		return result
	}

	memLimit, err := strconv.ParseInt(memLimitStr, 10, 64)
	if err != nil || memLimit <= 0 {
		logging.Warn("Invalid MEMORY_LIMIT %q, Go memory limit left unconfigured", memLimitStr)
		return result
	}
	result.ContainerLimit = memLimit

	result.Ratio = parseRatio(os.Getenv(envMemoryRatio))
	goMemLimit := int64(float64(memLimit) * result.Ratio)

	debug.SetMemoryLimit(goMemLimit)
	metrics.GoMemoryLimitBytes.Set(float64(goMemLimit))

	result.Configured = true
	result.Source = sourceMemoryLimit
	result.GoMemLimit = goMemLimit

	logging.Info("Configured Go memory limit: %s (%.1f%% of %s container limit)",
		formatBytes(goMemLimit),
		result.Ratio*100,
		formatBytes(memLimit),
	)

	return result
}

func parseRatio(s string) float64 {
	if s == "" {
		return DefaultMemoryRatio
	}
	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logging.Warn("Failed to parse MEMORY_RATIO %q: %v, using default %.2f", s, err, DefaultMemoryRatio)
		return DefaultMemoryRatio
	}
	if ratio <= 0 || ratio > 1.0 {
		logging.Warn("MEMORY_RATIO %q out of range (0.0-1.0], using default %.2f", s, DefaultMemoryRatio)
		return DefaultMemoryRatio
	}
	return ratio
}

// formatBytes formats bytes into a human-readable string
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
