// Package handlers provides the HTTP surface of the media delivery engine.
//
// It includes handlers for:
//   - Playback: direct and cached files with byte ranges, live streams otherwise
//   - Stream status: whether reconnecting would gain seeking
//   - Cache control: per-item invalidation, clearing, running jobs
//   - Re-indexing, health checks, and version information
//
// Handlers stay thin: every serving decision is made by the delivery engine.
package handlers
