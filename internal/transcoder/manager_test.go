package transcoder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"media-delivery/internal/gate"
	"media-delivery/internal/mediatypes"
)

const (
	// The last argument is the output path, or pipe:1 for stdout.
	scriptSuccess = `for out; do :; done
if [ "$out" = "pipe:1" ]; then printf 'fake-mp4-data'; else printf 'fake-mp4-data' > "$out"; fi
exit 0
`
	scriptFail = `for out; do :; done
if [ "$out" != "pipe:1" ]; then printf 'partial' > "$out"; fi
echo "Invalid data found when processing input" >&2
exit 1
`
	scriptEmpty = `for out; do :; done
: > "$out"
exit 0
`
	scriptHang = `for out; do :; done
if [ "$out" != "pipe:1" ]; then printf 'partial' > "$out"; fi
exec sleep 30
`
	scriptFlood = `while :; do printf 'fake-mp4-data-fake-mp4-data-fake-mp4-data'; done
`
)

// writeFakeFFmpeg writes an executable shell script standing in for ffmpeg.
func writeFakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	// #nosec G306 -- test helper script needs to be executable
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write ffmpeg shim: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, script string) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FFmpegPath = writeFakeFFmpeg(t, script)
	cfg.WaitDelay = 2 * time.Second
	return New(cfg)
}

func reserve(t *testing.T, g *gate.Gate, pool gate.Pool) *gate.Reservation {
	t.Helper()
	res, ok := g.TryReserve(pool)
	if !ok {
		t.Fatalf("expected a free %s slot", pool)
	}
	return res
}

func waitJob(t *testing.T, job *Job) error {
	t.Helper()
	select {
	case <-job.Done():
		return job.Err()
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
		return nil
	}
}

func TestStartBackgroundSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptSuccess)
	g := gate.NewDefault()
	key := mediatypes.RemuxKey("abc")
	out := filepath.Join(t.TempDir(), "remux-cache", "abc.mp4")

	job, err := m.StartBackground(BackgroundRequest{
		Key:         key,
		SourcePath:  "/media/movie.mkv",
		OutputPath:  out,
		Reservation: reserve(t, g, gate.Background),
	})
	if err != nil {
		t.Fatalf("StartBackground: %v", err)
	}
	if job.Info().Profile != ProfileBackgroundRemux {
		t.Errorf("Expected profile=%s, got %s", ProfileBackgroundRemux, job.Info().Profile)
	}

	if err := waitJob(t, job); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	m.Wait()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if string(data) != "fake-mp4-data" {
		t.Errorf("unexpected output %q", data)
	}
	if m.IsBuilding(key) {
		t.Error("job should be untracked after completion")
	}
	if g.Available(gate.Background) != 1 {
		t.Errorf("Expected background slot released, available=%d", g.Available(gate.Background))
	}
}

func TestStartBackgroundFailureRemovesPartialOutput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptFail)
	g := gate.NewDefault()
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityMedium)
	out := filepath.Join(t.TempDir(), "abc-medium.mp4")

	job, err := m.StartBackground(BackgroundRequest{
		Key:         key,
		SourcePath:  "/media/movie.avi",
		OutputPath:  out,
		Reservation: reserve(t, g, gate.Background),
	})
	if err != nil {
		t.Fatalf("StartBackground: %v", err)
	}

	jobErr := waitJob(t, job)
	m.Wait()

	if !errors.Is(jobErr, ErrEncoderFailed) {
		t.Fatalf("Expected ErrEncoderFailed, got %v", jobErr)
	}
	var encErr *EncoderError
	if !errors.As(jobErr, &encErr) {
		t.Fatalf("Expected *EncoderError, got %T", jobErr)
	}
	if !strings.Contains(encErr.Stderr, "Invalid data found") {
		t.Errorf("Expected stderr diagnostics, got %q", encErr.Stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("partial output must be removed after a failed job")
	}
	if m.IsBuilding(key) {
		t.Error("failed job should be untracked")
	}
	if g.Available(gate.Background) != 1 {
		t.Error("failed job should release its slot")
	}
}

func TestStartBackgroundEmptyOutputIsFailure(t *testing.T) {
	m := newTestManager(t, scriptEmpty)
	out := filepath.Join(t.TempDir(), "abc.mp4")

	job, err := m.StartBackground(BackgroundRequest{
		Key:        mediatypes.RemuxKey("abc"),
		SourcePath: "/media/movie.mkv",
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("StartBackground: %v", err)
	}

	if err := waitJob(t, job); err == nil {
		t.Fatal("Expected empty output to fail the job")
	}
	m.Wait()
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("empty output must be removed")
	}
}

func TestStartBackgroundSpawnFailure(t *testing.T) {
	m := New(Config{FFmpegPath: filepath.Join(t.TempDir(), "missing-ffmpeg")})
	g := gate.NewDefault()
	key := mediatypes.RemuxKey("abc")

	_, err := m.StartBackground(BackgroundRequest{
		Key:         key,
		SourcePath:  "/media/movie.mkv",
		OutputPath:  filepath.Join(t.TempDir(), "abc.mp4"),
		Reservation: reserve(t, g, gate.Background),
	})
	if !errors.Is(err, ErrEncoderFailed) {
		t.Fatalf("Expected ErrEncoderFailed, got %v", err)
	}
	if m.IsBuilding(key) {
		t.Error("spawn failure should leave the key untracked")
	}
	if g.Available(gate.Background) != 1 {
		t.Error("spawn failure should release the slot")
	}
}

func TestStartBackgroundRejectsInvalidRequest(t *testing.T) {
	m := New(DefaultConfig())

	tests := []struct {
		name string
		req  BackgroundRequest
	}{
		{"no output", BackgroundRequest{Key: mediatypes.RemuxKey("a")}},
		{"original quality", BackgroundRequest{Key: mediatypes.TranscodeKey("a", mediatypes.QualityOriginal), OutputPath: "/tmp/x.mp4"}},
		{"unknown kind", BackgroundRequest{Key: mediatypes.CacheKey{MediaID: "a", Kind: "thumb"}, OutputPath: "/tmp/x.mp4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.StartBackground(tt.req); err == nil {
				t.Error("Expected an error")
			}
			if m.IsBuilding(tt.req.Key) {
				t.Error("rejected request must not be tracked")
			}
		})
	}
}

func TestSingleWriterConcurrentStarts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptHang)
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityHigh)
	out := filepath.Join(t.TempDir(), "abc-high.mp4")

	var started, rejected atomic.Int32
	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.StartBackground(BackgroundRequest{Key: key, SourcePath: "/media/a.mkv", OutputPath: out})
			switch {
			case err == nil:
				started.Add(1)
			case errors.Is(err, ErrAlreadyBuilding):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Errorf("Expected exactly one job, got %d", started.Load())
	}
	if rejected.Load() != 7 {
		t.Errorf("Expected 7 rejections, got %d", rejected.Load())
	}
	if len(m.Jobs()) != 1 {
		t.Errorf("Expected 1 tracked job, got %d", len(m.Jobs()))
	}

	if !m.Cancel(key) {
		t.Fatal("Cancel should find the running job")
	}
	m.Wait()

	if m.IsBuilding(key) {
		t.Error("canceled job should be untracked")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("canceled job output must be removed")
	}
}

func TestCancelUnknownKey(t *testing.T) {
	m := New(DefaultConfig())
	if m.Cancel(mediatypes.RemuxKey("nope")) {
		t.Error("Cancel should return false for an untracked key")
	}
}

func TestCancelAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptHang)
	dir := t.TempDir()
	keys := []mediatypes.CacheKey{
		mediatypes.RemuxKey("a"),
		mediatypes.RemuxKey("b"),
		mediatypes.TranscodeKey("c", mediatypes.QualityLow),
	}
	for _, key := range keys {
		out := filepath.Join(dir, key.MediaID+string(key.Quality)+".mp4")
		if _, err := m.StartBackground(BackgroundRequest{Key: key, SourcePath: "/media/x", OutputPath: out}); err != nil {
			t.Fatalf("StartBackground(%s): %v", key, err)
		}
	}

	m.CancelAll()
	m.Wait()

	if n := len(m.Jobs()); n != 0 {
		t.Errorf("Expected no jobs after CancelAll, got %d", n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected partial outputs removed, found %d files", len(entries))
	}
}

func TestOnJobDoneCalledOnce(t *testing.T) {
	m := newTestManager(t, scriptSuccess)

	var mu sync.Mutex
	var results []JobResult
	m.OnJobDone(func(r JobResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	key := mediatypes.RemuxKey("abc")
	job, err := m.StartBackground(BackgroundRequest{Key: key, SourcePath: "/m.mkv", OutputPath: filepath.Join(t.TempDir(), "abc.mp4")})
	if err != nil {
		t.Fatalf("StartBackground: %v", err)
	}
	_ = waitJob(t, job)
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("Expected 1 hook call, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Key != key {
		t.Errorf("unexpected result %+v", results[0])
	}
}

func TestRunLiveMirrorsToCache(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptSuccess)
	g := gate.NewDefault()
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityLow)
	mirror := filepath.Join(t.TempDir(), "transcode-cache", "abc-low.mp4")

	var client bytes.Buffer
	err := m.RunLive(context.Background(), LiveRequest{
		Key:         key,
		SourcePath:  "/media/a.avi",
		MirrorPath:  mirror,
		Reservation: reserve(t, g, gate.Live),
	}, &client)
	if err != nil {
		t.Fatalf("RunLive: %v", err)
	}

	if client.String() != "fake-mp4-data" {
		t.Errorf("client got %q", client.String())
	}
	data, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("mirror missing: %v", err)
	}
	if !bytes.Equal(data, client.Bytes()) {
		t.Errorf("mirror %q differs from client stream %q", data, client.String())
	}
	if m.IsBuilding(key) {
		t.Error("live job should be untracked after exit")
	}
	if g.Available(gate.Live) != 1 {
		t.Error("live slot should be released")
	}
}

func TestRunLiveWithoutMirrorWhenKeyHeld(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hang := newTestManager(t, scriptHang)
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityLow)
	out := filepath.Join(t.TempDir(), "abc-low.mp4")

	if _, err := hang.StartBackground(BackgroundRequest{Key: key, SourcePath: "/m", OutputPath: out}); err != nil {
		t.Fatalf("StartBackground: %v", err)
	}
	defer func() {
		hang.CancelAll()
		hang.Wait()
	}()

	// Same registry, different binary for the live run.
	hang.config.FFmpegPath = writeFakeFFmpeg(t, scriptSuccess)

	var client bytes.Buffer
	if err := hang.RunLive(context.Background(), LiveRequest{Key: key, SourcePath: "/m", MirrorPath: out}, &client); err != nil {
		t.Fatalf("RunLive: %v", err)
	}
	if client.String() != "fake-mp4-data" {
		t.Errorf("client got %q", client.String())
	}
	if !hang.IsBuilding(key) {
		t.Error("the background writer must still own the key")
	}
	data, _ := os.ReadFile(out)
	if string(data) != "partial" {
		t.Errorf("live run must not touch the background writer's file, got %q", data)
	}
}

var errClientClosed = errors.New("connection reset by peer")

type failingWriter struct {
	written int
	limit   int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written >= w.limit {
		return 0, errClientClosed
	}
	w.written += len(p)
	return len(p), nil
}

func TestRunLiveClientGoneKillsProcess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptFlood)
	g := gate.NewDefault()
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityHigh)
	mirror := filepath.Join(t.TempDir(), "abc-high.mp4")

	done := make(chan error, 1)
	go func() {
		done <- m.RunLive(context.Background(), LiveRequest{
			Key:         key,
			SourcePath:  "/m",
			MirrorPath:  mirror,
			Reservation: reserve(t, g, gate.Live),
		}, &failingWriter{limit: 4096})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, errClientClosed) {
			t.Errorf("Expected client error, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunLive did not stop after the client went away")
	}

	if _, err := os.Stat(mirror); !os.IsNotExist(err) {
		t.Error("abandoned live mirror must be removed")
	}
	if m.IsBuilding(key) {
		t.Error("abandoned live job must be untracked")
	}
	if g.Available(gate.Live) != 1 {
		t.Error("abandoned live job must release its slot")
	}
}

func TestRunLiveContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptHang)
	g := gate.NewDefault()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var client bytes.Buffer
	err := m.RunLive(ctx, LiveRequest{
		Key:         mediatypes.TranscodeKey("abc", mediatypes.QualityLow),
		SourcePath:  "/m",
		Reservation: reserve(t, g, gate.Live),
	}, &client)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if g.Available(gate.Live) != 1 {
		t.Error("live slot should be released")
	}
}

func TestRunLiveEncoderFailure(t *testing.T) {
	m := newTestManager(t, scriptFail)
	g := gate.NewDefault()

	var client bytes.Buffer
	err := m.RunLive(context.Background(), LiveRequest{
		Key:         mediatypes.TranscodeKey("abc", mediatypes.QualityLow),
		SourcePath:  "/m",
		MirrorPath:  filepath.Join(t.TempDir(), "abc-low.mp4"),
		Reservation: reserve(t, g, gate.Live),
	}, &client)
	if !errors.Is(err, ErrEncoderFailed) {
		t.Errorf("Expected ErrEncoderFailed, got %v", err)
	}
	if g.Available(gate.Live) != 1 {
		t.Error("live slot should be released")
	}
}

func TestRunLiveCanceledThroughManager(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptHang)
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityLow)

	done := make(chan error, 1)
	go func() {
		var client bytes.Buffer
		done <- m.RunLive(context.Background(), LiveRequest{
			Key:        key,
			SourcePath: "/m",
			MirrorPath: filepath.Join(t.TempDir(), "abc-low.mp4"),
		}, &client)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !m.IsBuilding(key) {
		if time.Now().After(deadline) {
			t.Fatal("live job never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !m.Cancel(key) {
		t.Fatal("Cancel should find the live job")
	}
	if err := <-done; !errors.Is(err, ErrJobCanceled) {
		t.Errorf("Expected ErrJobCanceled, got %v", err)
	}
}

func TestStreamPassthrough(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptSuccess)
	var client bytes.Buffer
	if err := m.StreamPassthrough(context.Background(), "/media/a.mkv", &client); err != nil {
		t.Fatalf("StreamPassthrough: %v", err)
	}
	if client.String() != "fake-mp4-data" {
		t.Errorf("client got %q", client.String())
	}
	if len(m.Jobs()) != 0 {
		t.Error("passthrough streams are never tracked")
	}
}

// stalledClient accepts one write, then blocks like a client that stopped
// reading until it is interrupted.
type stalledClient struct {
	writes      int
	stalled     chan struct{}
	interrupted chan struct{}
	once        sync.Once
}

func newStalledClient() *stalledClient {
	return &stalledClient{stalled: make(chan struct{}), interrupted: make(chan struct{})}
}

func (c *stalledClient) Write(p []byte) (int, error) {
	c.writes++
	if c.writes == 1 {
		return len(p), nil
	}
	if c.writes == 2 {
		close(c.stalled)
	}
	<-c.interrupted
	return 0, errors.New("i/o timeout")
}

func (c *stalledClient) Interrupt() {
	c.once.Do(func() { close(c.interrupted) })
}

func TestCancelInterruptsStalledClientWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptFlood)
	key := mediatypes.TranscodeKey("abc", mediatypes.QualityLow)
	mirror := filepath.Join(t.TempDir(), "abc-low.mp4")
	client := newStalledClient()

	done := make(chan error, 1)
	go func() {
		done <- m.RunLive(context.Background(), LiveRequest{Key: key, SourcePath: "/m", MirrorPath: mirror}, client)
	}()

	select {
	case <-client.stalled:
	case <-time.After(5 * time.Second):
		t.Fatal("client write never stalled")
	}

	canceled := make(chan bool, 1)
	go func() { canceled <- m.Cancel(key) }()

	select {
	case ok := <-canceled:
		if !ok {
			t.Error("Cancel should find the live job")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel waited on a stalled client write")
	}

	if err := <-done; !errors.Is(err, ErrJobCanceled) {
		t.Errorf("Expected ErrJobCanceled, got %v", err)
	}
	if _, err := os.Stat(mirror); !os.IsNotExist(err) {
		t.Error("canceled live mirror must be removed")
	}
}

func TestCloseStopsEveryJobAndRefusesNewOnes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, scriptHang)
	g := gate.NewDefault()
	dir := t.TempDir()

	if _, err := m.StartBackground(BackgroundRequest{
		Key:         mediatypes.RemuxKey("a"),
		SourcePath:  "/m",
		OutputPath:  filepath.Join(dir, "a.mp4"),
		Reservation: reserve(t, g, gate.Background),
	}); err != nil {
		t.Fatalf("StartBackground: %v", err)
	}

	passthrough := make(chan error, 1)
	go func() {
		var client bytes.Buffer
		passthrough <- m.StreamPassthrough(context.Background(), "/m", &client)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		m.mu.Lock()
		running := len(m.others)
		m.mu.Unlock()
		if running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("passthrough stream never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}

	if err := <-passthrough; !errors.Is(err, ErrJobCanceled) {
		t.Errorf("Expected passthrough to end with ErrJobCanceled, got %v", err)
	}
	if n := len(m.Jobs()); n != 0 {
		t.Errorf("Expected no jobs after Close, got %d", n)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("Expected partial output removed, found %d files", len(entries))
	}
	if g.Available(gate.Background) != 1 {
		t.Error("background slot should be released")
	}

	if _, err := m.StartBackground(BackgroundRequest{
		Key:        mediatypes.RemuxKey("b"),
		SourcePath: "/m",
		OutputPath: filepath.Join(dir, "b.mp4"),
	}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown from StartBackground, got %v", err)
	}

	var client bytes.Buffer
	err := m.RunLive(context.Background(), LiveRequest{
		Key:         mediatypes.TranscodeKey("c", mediatypes.QualityLow),
		SourcePath:  "/m",
		MirrorPath:  filepath.Join(dir, "c-low.mp4"),
		Reservation: reserve(t, g, gate.Live),
	}, &client)
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown from RunLive, got %v", err)
	}
	if g.Available(gate.Live) != 1 {
		t.Error("refused live job must release its slot")
	}
	if err := m.StreamPassthrough(context.Background(), "/m", &client); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown from StreamPassthrough, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("Expected nothing written after Close, found %d files", len(entries))
	}

	m.Close()
}
