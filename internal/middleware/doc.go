// Package middleware provides HTTP middleware for the media delivery server.
//
// It includes:
//   - Request logging in W3C Extended Log Format, with the stream mode and
//     requested byte range of playback responses
//   - Prometheus request metrics labelled by route template; playback
//     requests record time to first byte instead of total duration
//
// Every wrapper implements Unwrap and Flush so handlers can reach the
// connection through http.ResponseController.
package middleware
