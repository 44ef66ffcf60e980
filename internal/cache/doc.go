// Package cache owns the on-disk layout of browser-compatible artifacts.
//
// Layout under the cache root:
//
//	remux-cache/{mediaId}.mp4
//	transcode-cache/{mediaId}-{high|medium|low}.mp4
//
// Readiness is a pure function of the filesystem and the job tracker:
// an artifact is Ready when its file exists with a non-zero size and no writer
// holds its key. Nothing about file contents is trusted, so a file left behind
// by a killed writer can never be served.
package cache
