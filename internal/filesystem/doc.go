/*
Package filesystem provides resilient filesystem operations with automatic retry logic
for NFS stale file handle errors.

# Purpose

The cache root and the media library are frequently NFS mounts. Readiness checks
stat cache artifacts on every playback request, and invalidation removes them, so a
transient ESTALE must not be mistaken for "file missing" or "delete failed".

# Usage

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())
	f, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())
	err := filesystem.RemoveWithRetry(path, filesystem.DefaultRetryConfig())

RemoveWithRetry treats a missing file as success.

# Retry Behavior

Defaults: 3 retries, 50ms initial backoff doubling up to 500ms. Only ESTALE
(errno 116) triggers a retry; every other error is returned immediately.
*/
package filesystem
