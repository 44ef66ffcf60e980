/*
Package streaming serves playback that cannot use a ready cache artifact.

# Live Fallback

A Streamer admits a fallback stream in two steps. Open decides whether the
stream may start: remux sources are stream-copied and never gated, while a
transcode must win the single live slot and otherwise fails fast with
ErrUnavailable. Serve then runs the encoder into the response:

	sess, err := streamer.Open(streaming.Request{
		MediaID:    id,
		SourcePath: path,
		Action:     mediatypes.ActionTranscode,
		Quality:    mediatypes.QualityMedium,
		MirrorPath: store.PathFor(key),
	})
	if errors.Is(err, streaming.ErrUnavailable) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	defer sess.Close()
	err = sess.Serve(r.Context(), w)

Fallback responses carry Accept-Ranges: none and X-Stream-Seekable: false.
Clients poll the stream-info endpoint and reconnect once the artifact is
ready to regain seeking.

# Client Writer

ClientWriter wraps an http.ResponseWriter with per-write deadlines (set on
the connection through http.ResponseController), idle detection and chunked
flushing. Its Context is canceled as soon as the client is gone or the
stream stalls; the encoder runs under that context, so an abandoned
connection kills its ffmpeg process immediately.

Errors are reported with the sentinels ErrClientGone, ErrWriteTimeout and
ErrStreamCanceled. A client leaving is the normal end of a live stream and
Serve does not report it as an error.
*/
package streaming
