// Package transcoder runs ffmpeg for the media delivery engine.
//
// A Manager owns every encoder process and enforces the single-writer rule:
// at most one tracked job per cache key. Four profiles exist:
//
//   - background_remux: stream copy into the remux cache path
//   - background_transcode: H.264/AAC at the quality's bitrates, ultrafast preset
//   - live_transcode: same encode at the veryfast preset to the client,
//     mirrored into the cache path
//   - live_remux: untracked stream copy to the client
//
// All of them write fragmented MP4 with the same movflags, so a cached file
// looks the same whichever profile produced it.
//
// Every job ends in exactly one cleanup, whatever terminated it: the gate
// reservation is released, partial output is deleted on failure, and the job
// is untracked. ffmpeg's stderr is kept in a bounded buffer and only logged
// when a job fails.
//
// Cancel and CancelAll kill processes and wait for their cleanup, so a caller
// that deletes the artifact afterwards cannot race a dying writer. A live job
// interrupts its client writer when canceled, so a stalled client does not
// delay either call. Close additionally stops untracked streams and refuses
// every later job with ErrShuttingDown.
package transcoder
