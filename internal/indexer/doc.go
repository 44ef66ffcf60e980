// Package indexer keeps the profile store in sync with the video files under
// the media directory.
//
// Each run walks the directory, compares every video's size and modification
// time with the stored values, and probes new or changed files with ffprobe
// in a bounded worker pool. A changed or vanished file fires the invalidation
// hook before its row is replaced or deleted, so stale cache artifacts never
// outlive their source. After every successful run the full list of servable
// profiles is passed to the scan-complete hook.
//
// Media ids are the first 16 hex characters of the SHA-1 of the path relative
// to the media root, so they are stable across restarts and rescans.
//
// Runs are triggered at startup, on a fixed interval, on demand, and shortly
// after filesystem events when watching is enabled. Hidden files and
// directories are ignored.
package indexer
