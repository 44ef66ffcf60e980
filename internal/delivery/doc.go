// Package delivery is the composition point of the media delivery engine.
//
// An Engine owns one cache store, one concurrency gate, one encoder process
// manager, the background scheduler and the live fallback streamer, and is
// the only thing the HTTP layer and the indexer talk to:
//
//   - Resolve answers a playback request with a Plan: the source file
//     (direct), a ready artifact (cached), or a live non-seekable stream.
//   - Status reports per-quality readiness so a client knows when a
//     reconnect would regain seeking.
//   - Invalidate is the hook for changed or deleted sources.
//   - OnScanComplete runs the background scheduler after a library scan.
//
// A live transcode reserves its slot inside Resolve, so a busy server
// answers with streaming.ErrUnavailable before any bytes are written.
// Callers must Release every plan they do not Stream.
package delivery
