package indexer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"media-delivery/internal/database"
	"media-delivery/internal/logging"
	"media-delivery/internal/metrics"
	"media-delivery/internal/workers"
)

// ProbeConfig configures the parallel probe pool.
type ProbeConfig struct {
	// Workers is the number of concurrent ffprobe processes.
	Workers int
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultProbeConfig sizes the pool for I/O-bound work, capped at 8, and
// honours the PROBE_WORKERS override.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Workers: workers.ForIO(8),
		Timeout: maxProbeTimeout,
	}
}

// probeAll probes files with at most config.Workers processes at a time.
// Records come back in input order; a failed probe yields a record with
// ProbeError set so the file is not retried until it changes. Only context
// cancellation aborts the run.
func probeAll(ctx context.Context, prober Prober, config ProbeConfig, files []sourceFile) ([]database.ProfileRecord, int, error) {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = maxProbeTimeout
	}

	records := make([]database.ProfileRecord, len(files))
	failed := make([]bool, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(config.Workers)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			probeCtx, cancel := context.WithTimeout(ctx, config.Timeout)
			defer cancel()

			profile, err := prober.Probe(probeCtx, f.Path)
			if ctx.Err() != nil {
				return ctx.Err()
			}

			rec := database.ProfileRecord{Size: f.Size, ModTime: f.ModTime}
			if err != nil {
				logging.Warn("Failed to probe %s: %v", f.RelPath, err)
				metrics.IndexerFilesProbed.WithLabelValues("failed").Inc()
				rec.ProbeError = err.Error()
				failed[i] = true
			} else {
				metrics.IndexerFilesProbed.WithLabelValues("success").Inc()
				rec.MediaStreamProfile = profile
			}
			rec.MediaID = f.MediaID
			rec.SourcePath = f.Path
			records[i] = rec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	failures := 0
	for _, f := range failed {
		if f {
			failures++
		}
	}
	return records, failures, nil
}
