package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"media-delivery/internal/gate"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
	"media-delivery/internal/transcoder"
)

// ErrUnavailable means the live transcode slot is taken. Callers should ask
// the client to retry rather than queue.
var ErrUnavailable = errors.New("live transcoding temporarily unavailable")

// Encoder runs the processes behind a live stream.
type Encoder interface {
	RunLive(ctx context.Context, req transcoder.LiveRequest, w io.Writer) error
	StreamPassthrough(ctx context.Context, source string, w io.Writer) error
}

// Admitter hands out concurrency slots.
type Admitter interface {
	TryReserve(pool gate.Pool) (*gate.Reservation, bool)
}

// Request describes a playback that has no ready cache artifact.
type Request struct {
	MediaID    string
	SourcePath string
	// Action is ActionRemux or ActionTranscode.
	Action mediatypes.Action
	// Quality is the transcode target. Ignored for remux.
	Quality mediatypes.Quality
	// MirrorPath is where a live transcode copies its output for the cache.
	MirrorPath string
}

// Streamer serves playback while the cache is still being built: ungated
// stream copy for remux sources, and a live transcode limited by the live
// pool for everything else. Neither kind of stream supports seeking.
type Streamer struct {
	encoder Encoder
	gate    Admitter
	config  ClientWriterConfig
}

// NewStreamer creates a Streamer.
func NewStreamer(encoder Encoder, admitter Admitter, config ClientWriterConfig) *Streamer {
	return &Streamer{encoder: encoder, gate: admitter, config: config}
}

// Session is an admitted live stream. It holds the live slot, if any, from
// Open until Serve returns or Close is called.
type Session struct {
	streamer    *Streamer
	req         Request
	reservation *gate.Reservation
	once        sync.Once
}

// Open admits a fallback stream. A transcode reserves the live slot now so
// a saturated server fails fast with ErrUnavailable before any response
// bytes are written.
func (s *Streamer) Open(req Request) (*Session, error) {
	mode := string(req.Action)
	switch req.Action {
	case mediatypes.ActionRemux:
		return &Session{streamer: s, req: req}, nil
	case mediatypes.ActionTranscode:
		if _, ok := req.Quality.Profile(); !ok {
			return nil, fmt.Errorf("no transcode profile for quality %q", req.Quality)
		}
		reservation, ok := s.gate.TryReserve(gate.Live)
		if !ok {
			metrics.FallbackStreamsTotal.WithLabelValues(mode, "unavailable").Inc()
			logging.Debug("Live transcode for %s rejected: live slot busy", req.MediaID)
			return nil, ErrUnavailable
		}
		return &Session{streamer: s, req: req, reservation: reservation}, nil
	default:
		return nil, fmt.Errorf("action %q has no live fallback", req.Action)
	}
}

// SetLiveHeaders marks a response as a non-seekable MP4 stream.
func SetLiveHeaders(h http.Header) {
	h.Set("Content-Type", "video/mp4")
	h.Set("Accept-Ranges", "none")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Stream-Seekable", "false")
}

// Serve streams to w until the encoder finishes or the client leaves. A
// client that disconnects is not an error. Serve releases the session.
func (sess *Session) Serve(ctx context.Context, w http.ResponseWriter) error {
	defer sess.Close()

	s := sess.streamer
	mode := string(sess.req.Action)

	SetLiveHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	cw := NewClientWriter(ctx, w, s.config)
	defer func() {
		if err := cw.Close(); err != nil {
			logging.Warn("Failed to close client writer: %v", err)
		}
	}()

	metrics.FallbackStreamsActive.WithLabelValues(mode).Inc()
	defer metrics.FallbackStreamsActive.WithLabelValues(mode).Dec()

	var err error
	if sess.req.Action == mediatypes.ActionRemux {
		err = s.encoder.StreamPassthrough(cw.Context(), sess.req.SourcePath, cw)
	} else {
		reservation := sess.takeReservation()
		err = s.encoder.RunLive(cw.Context(), transcoder.LiveRequest{
			Key:         mediatypes.TranscodeKey(sess.req.MediaID, sess.req.Quality),
			SourcePath:  sess.req.SourcePath,
			MirrorPath:  sess.req.MirrorPath,
			Reservation: reservation,
		}, cw)
	}

	bytesWritten, duration := cw.Stats()
	switch {
	case err == nil:
		metrics.FallbackStreamsTotal.WithLabelValues(mode, "completed").Inc()
		logging.Debug("Live %s stream for %s completed: %d bytes in %v", mode, sess.req.MediaID, bytesWritten, duration)
		return nil
	case IsClientGone(err) || errors.Is(err, ErrStreamCanceled) ||
		errors.Is(err, transcoder.ErrJobCanceled) || errors.Is(err, transcoder.ErrShuttingDown):
		metrics.FallbackStreamsTotal.WithLabelValues(mode, "client_gone").Inc()
		logging.Debug("Live %s stream for %s ended after %d bytes: %v", mode, sess.req.MediaID, bytesWritten, err)
		return nil
	default:
		metrics.FallbackStreamsTotal.WithLabelValues(mode, "failed").Inc()
		return fmt.Errorf("live %s stream for %s: %w", mode, sess.req.MediaID, err)
	}
}

// Close releases the live slot if Serve never ran. It is idempotent.
func (sess *Session) Close() {
	sess.takeReservation().Release()
}

// takeReservation hands the reservation to exactly one owner.
func (sess *Session) takeReservation() *gate.Reservation {
	var r *gate.Reservation
	sess.once.Do(func() {
		r = sess.reservation
	})
	return r
}

// Action returns the fallback mode of the session.
func (sess *Session) Action() mediatypes.Action {
	return sess.req.Action
}
