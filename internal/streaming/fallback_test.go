package streaming

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"media-delivery/internal/gate"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/transcoder"
)

type fakeEncoder struct {
	mu          sync.Mutex
	liveReqs    []transcoder.LiveRequest
	passthrough []string
	payload     string
	err         error
	// block holds RunLive until closed so tests can observe a held slot.
	block chan struct{}
}

func (f *fakeEncoder) RunLive(ctx context.Context, req transcoder.LiveRequest, w io.Writer) error {
	defer req.Reservation.Release()
	f.mu.Lock()
	f.liveReqs = append(f.liveReqs, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	_, err := io.WriteString(w, f.payload)
	return err
}

func (f *fakeEncoder) StreamPassthrough(ctx context.Context, source string, w io.Writer) error {
	f.mu.Lock()
	f.passthrough = append(f.passthrough, source)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	_, err := io.WriteString(w, f.payload)
	return err
}

func transcodeRequest() Request {
	return Request{
		MediaID:    "abc",
		SourcePath: "/media/a.avi",
		Action:     mediatypes.ActionTranscode,
		Quality:    mediatypes.QualityLow,
		MirrorPath: "/cache/transcode-cache/abc-low.mp4",
	}
}

func TestOpenRemuxIsUngated(t *testing.T) {
	g := gate.NewDefault()
	s := NewStreamer(&fakeEncoder{}, g, DefaultClientWriterConfig())

	// Saturate the live pool; remux must still be admitted any number of times.
	held, _ := g.TryReserve(gate.Live)
	defer held.Release()

	for n := 0; n < 3; n++ {
		sess, err := s.Open(Request{MediaID: "abc", SourcePath: "/a.mkv", Action: mediatypes.ActionRemux})
		if err != nil {
			t.Fatalf("Open remux: %v", err)
		}
		defer sess.Close()
	}
}

func TestOpenTranscodeFailsFastWhenSaturated(t *testing.T) {
	g := gate.NewDefault()
	s := NewStreamer(&fakeEncoder{}, g, DefaultClientWriterConfig())

	first, err := s.Open(transcodeRequest())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	if _, err := s.Open(transcodeRequest()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}

	first.Close()
	first.Close()
	if g.Available(gate.Live) != 1 {
		t.Errorf("Expected live slot back to 1 after double Close, got %d", g.Available(gate.Live))
	}

	again, err := s.Open(transcodeRequest())
	if err != nil {
		t.Fatalf("Open after release: %v", err)
	}
	again.Close()
}

func TestOpenRejectsDirectAndOriginal(t *testing.T) {
	s := NewStreamer(&fakeEncoder{}, gate.NewDefault(), DefaultClientWriterConfig())

	if _, err := s.Open(Request{Action: mediatypes.ActionDirect}); err == nil {
		t.Error("direct playback has no fallback")
	}
	req := transcodeRequest()
	req.Quality = mediatypes.QualityOriginal
	if _, err := s.Open(req); err == nil {
		t.Error("original quality cannot be transcoded")
	}
}

func TestServeTranscode(t *testing.T) {
	g := gate.NewDefault()
	enc := &fakeEncoder{payload: "fmp4-bytes"}
	s := NewStreamer(enc, g, DefaultClientWriterConfig())

	sess, err := s.Open(transcodeRequest())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := sess.Serve(context.Background(), rec); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if rec.Body.String() != "fmp4-bytes" {
		t.Errorf("Expected body fmp4-bytes, got %q", rec.Body.String())
	}
	headers := map[string]string{
		"Content-Type":      "video/mp4",
		"Accept-Ranges":     "none",
		"X-Stream-Seekable": "false",
	}
	for name, want := range headers {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("Expected %s=%s, got %s", name, want, got)
		}
	}

	if len(enc.liveReqs) != 1 {
		t.Fatalf("Expected 1 live run, got %d", len(enc.liveReqs))
	}
	req := enc.liveReqs[0]
	if req.Key != mediatypes.TranscodeKey("abc", mediatypes.QualityLow) {
		t.Errorf("unexpected key %v", req.Key)
	}
	if req.MirrorPath != "/cache/transcode-cache/abc-low.mp4" {
		t.Errorf("unexpected mirror path %s", req.MirrorPath)
	}
	if req.Reservation == nil {
		t.Error("live run should receive the session's reservation")
	}
	if g.Available(gate.Live) != 1 {
		t.Error("live slot should be released after Serve")
	}
}

func TestServeHoldsSlotWhileStreaming(t *testing.T) {
	g := gate.NewDefault()
	enc := &fakeEncoder{payload: "x", block: make(chan struct{})}
	s := NewStreamer(enc, g, DefaultClientWriterConfig())

	sess, err := s.Open(transcodeRequest())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Serve(context.Background(), httptest.NewRecorder())
	}()

	if _, err := s.Open(transcodeRequest()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("second viewer should be rejected while the first streams, got %v", err)
	}

	close(enc.block)
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if g.Available(gate.Live) != 1 {
		t.Error("live slot should be free after the stream ends")
	}
}

func TestServeRemuxPassthrough(t *testing.T) {
	enc := &fakeEncoder{payload: "copy"}
	s := NewStreamer(enc, gate.NewDefault(), DefaultClientWriterConfig())

	sess, err := s.Open(Request{MediaID: "abc", SourcePath: "/media/a.mkv", Action: mediatypes.ActionRemux})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := httptest.NewRecorder()
	if err := sess.Serve(context.Background(), rec); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if rec.Body.String() != "copy" {
		t.Errorf("Expected body copy, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Stream-Seekable") != "false" {
		t.Error("passthrough streams are not seekable")
	}
	if len(enc.passthrough) != 1 || enc.passthrough[0] != "/media/a.mkv" {
		t.Errorf("unexpected passthrough calls %v", enc.passthrough)
	}
}

func TestServeClientGoneIsNotAnError(t *testing.T) {
	enc := &fakeEncoder{err: ErrClientGone}
	s := NewStreamer(enc, gate.NewDefault(), DefaultClientWriterConfig())

	sess, _ := s.Open(transcodeRequest())
	if err := sess.Serve(context.Background(), httptest.NewRecorder()); err != nil {
		t.Errorf("client disconnect should not be reported, got %v", err)
	}
}

func TestServeEncoderFailure(t *testing.T) {
	enc := &fakeEncoder{err: &transcoder.EncoderError{Err: errors.New("exit status 1")}}
	g := gate.NewDefault()
	s := NewStreamer(enc, g, DefaultClientWriterConfig())

	sess, _ := s.Open(transcodeRequest())
	err := sess.Serve(context.Background(), httptest.NewRecorder())
	if !errors.Is(err, transcoder.ErrEncoderFailed) {
		t.Errorf("Expected ErrEncoderFailed, got %v", err)
	}
	if g.Available(gate.Live) != 1 {
		t.Error("live slot should be released after a failure")
	}
}
