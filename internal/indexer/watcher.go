package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
)

// watch rescans the media directory shortly after video files or
// directories change. Bursts of events collapse into one rescan.
func (idx *Indexer) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Error("Failed to create file watcher: %v", err)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logging.Error("failed to close file watcher: %v", err)
		}
	}()

	watchCount := addDirectoriesToWatcher(watcher, idx.config.MediaDir)
	logging.Info("Watching %d directories under %s (debounce %v)", watchCount, idx.config.MediaDir, idx.config.WatchDebounce)

	timer := time.NewTimer(idx.config.WatchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if handleWatcherEvent(watcher, event) {
				timer.Reset(idx.config.WatchDebounce)
			}

		case <-timer.C:
			if idx.IsIndexing() {
				// Changes seen during a run may have been missed by its walk.
				timer.Reset(idx.config.WatchDebounce)
				continue
			}
			logging.Debug("Filesystem changes detected, re-indexing")
			if err := idx.Index(ctx); err != nil {
				logging.Error("Re-index after filesystem change failed: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Watcher error: %v", err)
			metrics.IndexerWatcherEvents.WithLabelValues("error").Inc()
		}
	}
}

// addDirectoriesToWatcher adds every non-hidden directory under root.
func addDirectoriesToWatcher(watcher *fsnotify.Watcher, root string) int {
	watchCount := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		if addErr := watcher.Add(path); addErr != nil {
			logging.Warn("failed to add path to watcher %s: %v", path, addErr)
		} else {
			watchCount++
		}
		return nil
	})
	if err != nil {
		logging.Error("failed to walk media directory for watcher: %v", err)
	}
	return watchCount
}

// handleWatcherEvent records event and reports whether it warrants a rescan.
// New directories are added to the watcher.
func handleWatcherEvent(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}

	metrics.IndexerWatcherEvents.WithLabelValues(getEventType(event.Op)).Inc()

	if event.Op == fsnotify.Chmod {
		return false
	}

	ext := strings.ToLower(filepath.Ext(name))
	if mediatypes.IsVideoFile(ext) {
		return true
	}

	if event.Op.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return false
		}
		if added := addDirectoriesToWatcher(watcher, event.Name); added > 0 {
			logging.Debug("Added new directory to watcher: %s", event.Name)
		}
		return true
	}

	// A removed or renamed directory no longer stats; extensionless names
	// are assumed to be directories.
	return ext == "" && (event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename))
}

// getEventType returns a string representation of the fsnotify operation
func getEventType(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	default:
		return "unknown"
	}
}
