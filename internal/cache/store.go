package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"media-delivery/internal/filesystem"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
)

const (
	remuxDirName     = "remux-cache"
	transcodeDirName = "transcode-cache"
	artifactExt      = ".mp4"
)

// State is the derived state of a cache artifact. It is computed on every
// call from the filesystem and the job tracker, never stored.
type State string

const (
	// StateMissing means no usable artifact and no writer.
	StateMissing State = "missing"
	// StateBuilding means a writer process currently holds the key.
	StateBuilding State = "building"
	// StateReady means the artifact is complete and can be served with byte ranges.
	StateReady State = "ready"
)

// JobTracker reports and terminates writer processes by cache key.
type JobTracker interface {
	// IsBuilding reports whether a writer currently holds key.
	IsBuilding(key mediatypes.CacheKey) bool
	// Cancel terminates the writer for key and returns once its cleanup has
	// finished. It returns false when no writer was tracked.
	Cancel(key mediatypes.CacheKey) bool
	// CancelAll terminates every tracked writer and waits for their cleanup.
	CancelAll()
}

// Store maps cache keys to artifact paths and answers readiness questions.
type Store struct {
	root    string
	tracker JobTracker
	retry   filesystem.RetryConfig
}

// New creates a Store rooted at root. A nil tracker behaves as if no job is
// ever running.
func New(root string, tracker JobTracker) *Store {
	return &Store{
		root:    root,
		tracker: tracker,
		retry:   filesystem.DefaultRetryConfig(),
	}
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// EnsureDirs creates the remux and transcode subdirectories.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{remuxDirName, transcodeDirName} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}
	return nil
}

// PathFor returns the deterministic artifact path for key. Remux artifacts
// live in remux-cache/{id}.mp4 and transcodes in transcode-cache/{id}-{quality}.mp4.
// Media ids never contain '-', so names cannot collide across qualities.
func (s *Store) PathFor(key mediatypes.CacheKey) string {
	if key.Kind == mediatypes.KindTranscode {
		return filepath.Join(s.root, transcodeDirName, key.MediaID+"-"+string(key.Quality)+artifactExt)
	}
	return filepath.Join(s.root, remuxDirName, key.MediaID+artifactExt)
}

// State returns the derived state of key: Building while a writer holds it,
// Ready when the file exists with a non-zero size and no writer holds it,
// Missing otherwise.
func (s *Store) State(key mediatypes.CacheKey) State {
	if s.isBuilding(key) {
		return StateBuilding
	}

	info, err := filesystem.StatWithRetry(s.PathFor(key), s.retry)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return StateMissing
	}

	// A writer may have been admitted between the first check and the stat.
	if s.isBuilding(key) {
		return StateBuilding
	}
	return StateReady
}

// IsReady reports whether key can be served from the cache.
func (s *Store) IsReady(key mediatypes.CacheKey) bool {
	return s.State(key) == StateReady
}

// InvalidateResult describes what Invalidate did.
type InvalidateResult struct {
	Canceled int
	Removed  int
}

// Invalidate clears every artifact of mediaID. For each key the in-flight
// writer is terminated first and its cleanup awaited, then the file is
// removed, so a killed process cannot resurrect a deleted artifact.
func (s *Store) Invalidate(mediaID string) (InvalidateResult, error) {
	var result InvalidateResult
	var errs []error

	for _, key := range mediatypes.KeysFor(mediaID) {
		if s.tracker != nil && s.tracker.Cancel(key) {
			result.Canceled++
			logging.Info("Canceled cache build %s for invalidation", key)
		}

		// A writer admitted after the cancel is building from the new source
		// and owns the path.
		if s.isBuilding(key) {
			continue
		}

		path := s.PathFor(key)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := filesystem.RemoveWithRetry(path, s.retry); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		result.Removed++
	}

	metrics.CacheInvalidationsTotal.Inc()
	logging.Debug("Invalidated cache for %s: canceled=%d removed=%d", mediaID, result.Canceled, result.Removed)
	return result, errors.Join(errs...)
}

// Clear terminates every writer and removes every artifact, returning the
// number of bytes freed.
func (s *Store) Clear() (int64, error) {
	if s.tracker != nil {
		s.tracker.CancelAll()
	}

	var freedBytes int64
	for _, dir := range []string{remuxDirName, transcodeDirName} {
		path := filepath.Join(s.root, dir)
		entries, err := os.ReadDir(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return freedBytes, fmt.Errorf("failed to read cache directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			filePath := filepath.Join(path, entry.Name())
			info, err := entry.Info()
			if err != nil {
				logging.Warn("failed to get info for %s: %v", filePath, err)
				continue
			}
			if err := filesystem.RemoveWithRetry(filePath, s.retry); err != nil {
				logging.Warn("failed to remove file %s: %v", filePath, err)
				continue
			}
			freedBytes += info.Size()
		}
	}

	logging.Info("Cleared media cache: freed %d bytes", freedBytes)
	return freedBytes, nil
}

// CacheStats reports artifact counts and sizes per kind.
func (s *Store) CacheStats() (metrics.CacheStats, error) {
	var stats metrics.CacheStats

	remuxFiles, remuxBytes, err := dirUsage(filepath.Join(s.root, remuxDirName))
	if err != nil {
		return stats, err
	}
	transcodeFiles, transcodeBytes, err := dirUsage(filepath.Join(s.root, transcodeDirName))
	if err != nil {
		return stats, err
	}

	stats.RemuxFiles, stats.RemuxBytes = remuxFiles, remuxBytes
	stats.TranscodeFiles, stats.TranscodeBytes = transcodeFiles, transcodeBytes
	return stats, nil
}

func dirUsage(dir string) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var files int
	var size int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), artifactExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files++
		size += info.Size()
	}
	return files, size, nil
}

func (s *Store) isBuilding(key mediatypes.CacheKey) bool {
	return s.tracker != nil && s.tracker.IsBuilding(key)
}
