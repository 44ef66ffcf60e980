package indexer

import (
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 derives stable ids, not security
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"media-delivery/internal/database"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
)

// Default debounce between a filesystem event and the rescan it triggers
const defaultWatchDebounce = 2 * time.Second

// Store persists probed profiles and source file state.
type Store interface {
	UpsertProfile(ctx context.Context, rec database.ProfileRecord) error
	ListProfiles(ctx context.Context) ([]mediatypes.MediaStreamProfile, error)
	GetFileStates(ctx context.Context) (map[string]database.FileState, error)
	DeleteProfile(ctx context.Context, mediaID string) error
	UpdateStats(stats database.IndexStats)
	SetLastIndexRun(ctx context.Context, t time.Time) error
}

// InvalidateFunc is called for a media id whose source changed or vanished,
// before the new state is recorded.
type InvalidateFunc func(mediaID string)

// ScanCompleteFunc receives every servable profile after a successful run.
type ScanCompleteFunc func(ctx context.Context, profiles []mediatypes.MediaStreamProfile)

// Config configures an Indexer.
type Config struct {
	MediaDir      string
	IndexInterval time.Duration
	Probe         ProbeConfig
	// Watch enables fsnotify-driven rescans.
	Watch         bool
	WatchDebounce time.Duration
}

// Indexer keeps the profile store in sync with the video files under the
// media directory.
type Indexer struct {
	store  Store
	prober Prober
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	indexMu              sync.Mutex
	isIndexing           bool
	lastIndexTime        time.Time
	initialIndexComplete bool
	initialIndexError    error
	startTime            time.Time

	hookMu         sync.RWMutex
	onInvalidate   InvalidateFunc
	onScanComplete ScanCompleteFunc
}

// HealthStatus contains health check information.
type HealthStatus struct {
	Ready             bool      `json:"ready"`
	Indexing          bool      `json:"indexing"`
	StartTime         time.Time `json:"startTime"`
	Uptime            string    `json:"uptime"`
	LastIndexed       time.Time `json:"lastIndexed,omitempty"`
	InitialIndexError string    `json:"initialIndexError,omitempty"`
}

// sourceFile is a video found by the walk.
type sourceFile struct {
	Path    string
	RelPath string
	MediaID string
	Size    int64
	ModTime time.Time
}

// New creates a new Indexer instance.
func New(store Store, prober Prober, config Config) *Indexer {
	if config.WatchDebounce <= 0 {
		config.WatchDebounce = defaultWatchDebounce
	}
	if config.Probe.Workers < 1 {
		config.Probe = DefaultProbeConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		store:     store,
		prober:    prober,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// SetOnInvalidate sets the hook for changed and removed sources.
func (idx *Indexer) SetOnInvalidate(fn InvalidateFunc) {
	idx.hookMu.Lock()
	defer idx.hookMu.Unlock()
	idx.onInvalidate = fn
}

// SetOnScanComplete sets the hook invoked after every successful run.
func (idx *Indexer) SetOnScanComplete(fn ScanCompleteFunc) {
	idx.hookMu.Lock()
	defer idx.hookMu.Unlock()
	idx.onScanComplete = fn
}

// MediaID derives the stable id of a file from its path relative to the
// media root.
func MediaID(relPath string) string {
	sum := sha1.Sum([]byte(filepath.ToSlash(relPath))) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])[:16]
}

// Start runs the initial index in the background and starts the periodic
// and, if enabled, watcher-driven rescans.
func (idx *Indexer) Start() {
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		logging.Info("Starting initial index in background...")
		if err := idx.Index(idx.ctx); err != nil {
			logging.Error("Initial index error: %v", err)
			idx.indexMu.Lock()
			idx.initialIndexError = err
			idx.indexMu.Unlock()
		}
	}()

	if idx.config.IndexInterval > 0 {
		idx.wg.Add(1)
		go func() {
			defer idx.wg.Done()
			idx.periodicIndex()
		}()
	}

	if idx.config.Watch {
		idx.wg.Add(1)
		go func() {
			defer idx.wg.Done()
			idx.watch(idx.ctx)
		}()
	}
}

// Stop cancels any running index and waits for background work to end.
func (idx *Indexer) Stop() {
	idx.cancel()
	idx.wg.Wait()
}

// Index walks the media directory, probes new and changed videos, drops
// vanished ones, and hands the servable set to the scan-complete hook. A
// run already in progress makes this a no-op.
func (idx *Indexer) Index(ctx context.Context) error {
	if !idx.tryStartIndexing() {
		logging.Info("Index already in progress, skipping...")
		return nil
	}
	defer idx.finishIndexing()

	metrics.IndexerIsRunning.Set(1)
	defer metrics.IndexerIsRunning.Set(0)
	metrics.IndexerRunsTotal.Inc()

	startTime := time.Now()
	logging.Info("Starting media indexing of %s", idx.config.MediaDir)

	stats, err := idx.run(ctx)
	if err != nil {
		metrics.IndexerErrors.Inc()
		return err
	}

	duration := time.Since(startTime)
	now := time.Now()

	idx.indexMu.Lock()
	idx.lastIndexTime = now
	idx.indexMu.Unlock()

	stats.LastIndexed = now
	stats.IndexDuration = duration.String()
	idx.store.UpdateStats(stats)
	if err := idx.store.SetLastIndexRun(ctx, now); err != nil {
		logging.Warn("Failed to record last index run: %v", err)
	}

	metrics.IndexerLastRunTimestamp.Set(float64(now.Unix()))
	metrics.IndexerLastRunDuration.Set(duration.Seconds())

	logging.Info("Index complete: %d videos (%d changed, %d removed, %d unprobeable) in %v",
		stats.TotalVideos, stats.Changed, stats.Removed, stats.ProbeFailures, duration)
	return nil
}

func (idx *Indexer) run(ctx context.Context) (database.IndexStats, error) {
	files, err := walkSources(ctx, idx.config.MediaDir)
	if err != nil {
		return database.IndexStats{}, err
	}

	states, err := idx.store.GetFileStates(ctx)
	if err != nil {
		return database.IndexStats{}, fmt.Errorf("failed to load file states: %w", err)
	}

	var stats database.IndexStats
	var toProbe []sourceFile
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		seen[f.Path] = true
		prev, known := states[f.Path]
		switch {
		case !known:
			metrics.IndexerSourceChanges.WithLabelValues("new").Inc()
		case prev.Size != f.Size || prev.ModTime != f.ModTime.Unix():
			metrics.IndexerSourceChanges.WithLabelValues("modified").Inc()
			logging.Info("Source changed: %s", f.RelPath)
			// Artifacts built from the old bytes go before the new probe.
			idx.invalidate(prev.MediaID)
			if prev.MediaID != f.MediaID {
				if err := idx.store.DeleteProfile(ctx, prev.MediaID); err != nil {
					logging.Warn("Failed to delete stale profile %s: %v", prev.MediaID, err)
				}
			}
		default:
			continue
		}
		toProbe = append(toProbe, f)
	}
	stats.Changed = len(toProbe)

	for path, prev := range states {
		if seen[path] {
			continue
		}
		metrics.IndexerSourceChanges.WithLabelValues("removed").Inc()
		logging.Info("Source removed: %s", path)
		idx.invalidate(prev.MediaID)
		if err := idx.store.DeleteProfile(ctx, prev.MediaID); err != nil {
			logging.Warn("Failed to delete profile %s: %v", prev.MediaID, err)
			continue
		}
		stats.Removed++
	}

	if len(toProbe) > 0 {
		logging.Info("Probing %d new or changed files with %d workers", len(toProbe), idx.config.Probe.Workers)
	}
	records, failures, err := probeAll(ctx, idx.prober, idx.config.Probe, toProbe)
	if err != nil {
		return database.IndexStats{}, fmt.Errorf("probe aborted: %w", err)
	}
	for _, rec := range records {
		if err := idx.store.UpsertProfile(ctx, rec); err != nil {
			logging.Warn("Failed to store profile for %s: %v", rec.SourcePath, err)
		}
	}

	profiles, err := idx.store.ListProfiles(ctx)
	if err != nil {
		return database.IndexStats{}, fmt.Errorf("failed to list profiles: %w", err)
	}
	stats.TotalVideos = len(profiles)
	stats.ProbeFailures = failures

	idx.hookMu.RLock()
	onScanComplete := idx.onScanComplete
	idx.hookMu.RUnlock()
	if onScanComplete != nil {
		onScanComplete(ctx, profiles)
	}

	return stats, nil
}

func (idx *Indexer) invalidate(mediaID string) {
	idx.hookMu.RLock()
	fn := idx.onInvalidate
	idx.hookMu.RUnlock()
	if fn != nil {
		fn(mediaID)
	}
}

// walkSources lists the video files under root. Hidden files and directories
// are skipped. Unreadable entries below the root are logged and skipped.
func walkSources(ctx context.Context, root string) ([]sourceFile, error) {
	var files []sourceFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			logging.Warn("Error accessing path %s: %v", path, err)
			return nil
		}
		if path == root {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !mediatypes.IsVideoFile(strings.ToLower(filepath.Ext(d.Name()))) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logging.Warn("Error getting info for %s: %v", path, err)
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			//nolint:nilerr // skip this file, keep walking
			return nil
		}

		files = append(files, sourceFile{
			Path:    path,
			RelPath: relPath,
			MediaID: MediaID(relPath),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("walk error: %w", err)
	}
	return files, nil
}

// tryStartIndexing attempts to start indexing, returns false if already in progress.
func (idx *Indexer) tryStartIndexing() bool {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	if idx.isIndexing {
		return false
	}
	idx.isIndexing = true
	return true
}

// finishIndexing marks indexing as complete.
func (idx *Indexer) finishIndexing() {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	idx.isIndexing = false
	idx.initialIndexComplete = true
}

func (idx *Indexer) periodicIndex() {
	ticker := time.NewTicker(idx.config.IndexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logging.Debug("Periodic re-index triggered")
			if err := idx.Index(idx.ctx); err != nil {
				logging.Error("periodic re-index failed: %v", err)
			}
		case <-idx.ctx.Done():
			return
		}
	}
}

// IsReady reports whether the first index run has finished.
func (idx *Indexer) IsReady() bool {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()
	return idx.initialIndexComplete
}

// IsIndexing returns whether an index operation is currently in progress.
func (idx *Indexer) IsIndexing() bool {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()
	return idx.isIndexing
}

// LastIndexTime returns the time of the last completed index operation.
func (idx *Indexer) LastIndexTime() time.Time {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()
	return idx.lastIndexTime
}

// GetHealthStatus returns detailed health information.
func (idx *Indexer) GetHealthStatus() HealthStatus {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	status := HealthStatus{
		Ready:       idx.initialIndexComplete,
		Indexing:    idx.isIndexing,
		StartTime:   idx.startTime,
		Uptime:      time.Since(idx.startTime).String(),
		LastIndexed: idx.lastIndexTime,
	}
	if idx.initialIndexError != nil {
		status.InitialIndexError = idx.initialIndexError.Error()
	}
	return status
}

// TriggerIndex starts a re-index in the background. It returns false when a
// run is already in progress.
func (idx *Indexer) TriggerIndex() bool {
	if idx.IsIndexing() {
		return false
	}
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		if err := idx.Index(idx.ctx); err != nil {
			logging.Error("manually triggered re-index failed: %v", err)
		}
	}()
	return true
}
