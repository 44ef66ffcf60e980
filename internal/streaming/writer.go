package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"media-delivery/internal/logging"
)

// Sentinel errors for client-facing streams.
var (
	// ErrWriteTimeout means a single write to the client exceeded its deadline.
	ErrWriteTimeout = errors.New("write timeout exceeded")

	// ErrClientGone means the client disconnected before the stream completed.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamCanceled means the stream was stopped on the server side: the
	// writer was closed, the stream went idle or ran past its maximum duration.
	ErrStreamCanceled = errors.New("stream canceled")
)

// ClientWriterConfig configures a ClientWriter.
type ClientWriterConfig struct {
	// WriteTimeout bounds each write to the client (0 = no deadline).
	WriteTimeout time.Duration
	// IdleTimeout cancels the stream when nothing was written for this long.
	IdleTimeout time.Duration
	// MaxDuration is the absolute maximum streaming duration (0 = unlimited).
	MaxDuration time.Duration
	// ChunkSize splits large writes and flushes after each piece (0 = as received).
	ChunkSize int
	// OnProgress is called every time another mebibyte has been written.
	OnProgress func(bytesWritten int64, duration time.Duration)
}

// DefaultClientWriterConfig returns the settings used for live video.
func DefaultClientWriterConfig() ClientWriterConfig {
	return ClientWriterConfig{
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ChunkSize:    256 * 1024,
	}
}

const progressInterval = 1 << 20

// ClientWriter writes a live stream to an HTTP client. Write deadlines are
// set on the connection through http.ResponseController, and the writer's
// context is canceled when the client leaves or the stream stalls, so the
// producer feeding it can be stopped with the same context.
type ClientWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	ctx    context.Context
	cancel context.CancelCauseFunc
	config ClientWriterConfig
	idle   *time.Timer

	mu           sync.Mutex
	startTime    time.Time
	bytesWritten int64
	nextProgress int64
	closed       bool
}

// NewClientWriter wraps w. Close must be called when the stream ends.
func NewClientWriter(ctx context.Context, w http.ResponseWriter, config ClientWriterConfig) *ClientWriter {
	writerCtx, cancel := context.WithCancelCause(ctx)
	cw := &ClientWriter{
		w:            w,
		rc:           http.NewResponseController(w),
		ctx:          writerCtx,
		cancel:       cancel,
		config:       config,
		startTime:    time.Now(),
		nextProgress: progressInterval,
	}
	if config.IdleTimeout > 0 {
		cw.idle = time.AfterFunc(config.IdleTimeout, func() {
			logging.Warn("Stream idle for %v, canceling", config.IdleTimeout)
			cw.cancel(ErrStreamCanceled)
		})
	}
	return cw
}

// Context is canceled when the stream must stop for any reason.
func (cw *ClientWriter) Context() context.Context {
	return cw.ctx
}

// Write implements io.Writer.
func (cw *ClientWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	closed := cw.closed
	cw.mu.Unlock()
	if closed {
		return 0, ErrStreamCanceled
	}

	if cw.config.MaxDuration > 0 && time.Since(cw.startTime) > cw.config.MaxDuration {
		cw.cancel(ErrStreamCanceled)
		return 0, ErrStreamCanceled
	}

	written := 0
	for len(p) > 0 {
		if cw.ctx.Err() != nil {
			return written, cw.contextError()
		}

		chunk := p
		if cw.config.ChunkSize > 0 && len(chunk) > cw.config.ChunkSize {
			chunk = p[:cw.config.ChunkSize]
		}

		n, err := cw.writeChunk(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

func (cw *ClientWriter) writeChunk(p []byte) (int, error) {
	if cw.config.WriteTimeout > 0 {
		err := cw.rc.SetWriteDeadline(time.Now().Add(cw.config.WriteTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return 0, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
	}

	// Interrupt may have expired the deadline just before it was set above.
	if cw.ctx.Err() != nil {
		return 0, cw.contextError()
	}

	n, err := cw.w.Write(p)
	if err != nil {
		switch {
		case cw.ctx.Err() != nil:
			return n, cw.contextError()
		case errors.Is(err, os.ErrDeadlineExceeded):
			cw.cancel(ErrWriteTimeout)
			return n, ErrWriteTimeout
		default:
			cw.cancel(ErrClientGone)
			return n, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
	}

	if err := cw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		cw.cancel(ErrClientGone)
		return n, fmt.Errorf("%w: %v", ErrClientGone, err)
	}

	if cw.idle != nil {
		cw.idle.Reset(cw.config.IdleTimeout)
	}

	cw.mu.Lock()
	cw.bytesWritten += int64(n)
	total := cw.bytesWritten
	report := cw.config.OnProgress != nil && total >= cw.nextProgress
	if report {
		cw.nextProgress = (total/progressInterval + 1) * progressInterval
	}
	cw.mu.Unlock()

	if report {
		cw.config.OnProgress(total, time.Since(cw.startTime))
	}
	return n, nil
}

// contextError maps the cancellation cause to one of the package errors.
func (cw *ClientWriter) contextError() error {
	cause := context.Cause(cw.ctx)
	switch {
	case errors.Is(cause, ErrWriteTimeout), errors.Is(cause, ErrStreamCanceled), errors.Is(cause, ErrClientGone):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrWriteTimeout
	default:
		return ErrClientGone
	}
}

// Interrupt stops the stream and unblocks a write in progress by expiring
// the connection's write deadline.
func (cw *ClientWriter) Interrupt() {
	cw.cancel(ErrStreamCanceled)
	if err := cw.rc.SetWriteDeadline(time.Now()); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.Debug("Failed to expire write deadline: %v", err)
	}
}

// Close stops the writer and clears the connection deadline. It is safe to
// call more than once.
func (cw *ClientWriter) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	cw.mu.Unlock()

	if cw.idle != nil {
		cw.idle.Stop()
	}
	cw.cancel(ErrStreamCanceled)

	if cw.config.WriteTimeout > 0 {
		if err := cw.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}

// Stats returns the bytes written and the time since the stream started.
func (cw *ClientWriter) Stats() (bytesWritten int64, duration time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.bytesWritten, time.Since(cw.startTime)
}

// IsClientGone reports whether err means the client stopped receiving.
func IsClientGone(err error) bool {
	return errors.Is(err, ErrClientGone) ||
		errors.Is(err, ErrWriteTimeout) ||
		errors.Is(err, context.Canceled)
}
