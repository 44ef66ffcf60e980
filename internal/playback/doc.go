// Package playback decides how a video should reach the browser.
//
// Classify maps codec and container metadata to one of three actions: serve the
// file directly, remux it into MP4, or transcode it to H.264/AAC. SelectQuality
// picks the transcode rung that matches the source resolution.
package playback
