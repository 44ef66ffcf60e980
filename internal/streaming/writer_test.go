package streaming

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultClientWriterConfig(t *testing.T) {
	config := DefaultClientWriterConfig()

	if config.WriteTimeout != 30*time.Second {
		t.Errorf("Expected WriteTimeout=30s, got %v", config.WriteTimeout)
	}
	if config.IdleTimeout != 60*time.Second {
		t.Errorf("Expected IdleTimeout=60s, got %v", config.IdleTimeout)
	}
	if config.MaxDuration != 0 {
		t.Errorf("Expected MaxDuration=0, got %v", config.MaxDuration)
	}
	if config.ChunkSize != 256*1024 {
		t.Errorf("Expected ChunkSize=256KB, got %d", config.ChunkSize)
	}
}

func TestClientWriterWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := NewClientWriter(context.Background(), rec, DefaultClientWriterConfig())
	defer cw.Close()

	n, err := cw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected n=5, got %d", n)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("Expected body=hello, got %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("Expected writes to be flushed")
	}

	written, _ := cw.Stats()
	if written != 5 {
		t.Errorf("Expected 5 bytes written, got %d", written)
	}
}

// countingRecorder counts Write calls to observe chunking.
type countingRecorder struct {
	*httptest.ResponseRecorder
	writes int
}

func (c *countingRecorder) Write(p []byte) (int, error) {
	c.writes++
	return c.ResponseRecorder.Write(p)
}

func TestClientWriterChunks(t *testing.T) {
	rec := &countingRecorder{ResponseRecorder: httptest.NewRecorder()}
	config := DefaultClientWriterConfig()
	config.ChunkSize = 10

	cw := NewClientWriter(context.Background(), rec, config)
	defer cw.Close()

	data := strings.Repeat("x", 35)
	n, err := cw.Write([]byte(data))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 35 {
		t.Errorf("Expected n=35, got %d", n)
	}
	if rec.writes != 4 {
		t.Errorf("Expected 4 chunked writes, got %d", rec.writes)
	}
	if rec.Body.String() != data {
		t.Error("body does not match input")
	}
}

func TestClientWriterClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cw := NewClientWriter(ctx, httptest.NewRecorder(), DefaultClientWriterConfig())
	defer cw.Close()

	cancel()
	_, err := cw.Write([]byte("data"))
	if !errors.Is(err, ErrClientGone) {
		t.Errorf("Expected ErrClientGone, got %v", err)
	}
	if cw.Context().Err() == nil {
		t.Error("writer context should be canceled with its parent")
	}
}

func TestClientWriterClosed(t *testing.T) {
	cw := NewClientWriter(context.Background(), httptest.NewRecorder(), DefaultClientWriterConfig())
	if err := cw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := cw.Write([]byte("data")); !errors.Is(err, ErrStreamCanceled) {
		t.Errorf("Expected ErrStreamCanceled after Close, got %v", err)
	}
	if cw.Context().Err() == nil {
		t.Error("Close should cancel the writer context")
	}
}

func TestClientWriterIdleTimeout(t *testing.T) {
	config := DefaultClientWriterConfig()
	config.IdleTimeout = 50 * time.Millisecond

	cw := NewClientWriter(context.Background(), httptest.NewRecorder(), config)
	defer cw.Close()

	select {
	case <-cw.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle stream was not canceled")
	}

	if _, err := cw.Write([]byte("late")); !errors.Is(err, ErrStreamCanceled) {
		t.Errorf("Expected ErrStreamCanceled, got %v", err)
	}
}

func TestClientWriterMaxDuration(t *testing.T) {
	config := DefaultClientWriterConfig()
	config.MaxDuration = time.Nanosecond

	cw := NewClientWriter(context.Background(), httptest.NewRecorder(), config)
	defer cw.Close()

	time.Sleep(time.Millisecond)
	if _, err := cw.Write([]byte("data")); !errors.Is(err, ErrStreamCanceled) {
		t.Errorf("Expected ErrStreamCanceled, got %v", err)
	}
}

// brokenWriter fails every write like a reset connection.
type brokenWriter struct {
	header http.Header
}

func (b *brokenWriter) Header() http.Header       { return b.header }
func (b *brokenWriter) WriteHeader(int)           {}
func (b *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestClientWriterBrokenConnection(t *testing.T) {
	cw := NewClientWriter(context.Background(), &brokenWriter{header: http.Header{}}, DefaultClientWriterConfig())
	defer cw.Close()

	_, err := cw.Write([]byte("data"))
	if !errors.Is(err, ErrClientGone) {
		t.Errorf("Expected ErrClientGone, got %v", err)
	}
	if cw.Context().Err() == nil {
		t.Error("a failed write should cancel the producer context")
	}
}

func TestClientWriterOnProgress(t *testing.T) {
	var mu sync.Mutex
	var reports []int64

	config := DefaultClientWriterConfig()
	config.ChunkSize = 0
	config.OnProgress = func(bytesWritten int64, _ time.Duration) {
		mu.Lock()
		reports = append(reports, bytesWritten)
		mu.Unlock()
	}

	cw := NewClientWriter(context.Background(), httptest.NewRecorder(), config)
	defer cw.Close()

	chunk := make([]byte, 512*1024)
	for n := 0; n < 5; n++ {
		if _, err := cw.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 2 {
		t.Fatalf("Expected 2 progress reports for 2.5 MiB, got %d", len(reports))
	}
	if reports[0] != 1<<20 || reports[1] != 2<<20 {
		t.Errorf("unexpected progress reports %v", reports)
	}
}

func TestIsClientGone(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrClientGone, true},
		{ErrWriteTimeout, true},
		{context.Canceled, true},
		{errors.Join(errors.New("copy"), ErrClientGone), true},
		{ErrStreamCanceled, false},
		{errors.New("exit status 1"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsClientGone(tt.err); got != tt.want {
			t.Errorf("IsClientGone(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClientWriterInterruptUnblocksStalledClient(t *testing.T) {
	started := make(chan *ClientWriter, 1)
	result := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := NewClientWriter(r.Context(), w, DefaultClientWriterConfig())
		defer cw.Close()
		started <- cw

		chunk := make([]byte, 256*1024)
		for {
			if _, err := cw.Write(chunk); err != nil {
				result <- err
				return
			}
		}
	}))
	defer srv.Close()

	// The body is never read, so the server's writes stall once the socket
	// buffers are full.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	cw := <-started
	time.Sleep(200 * time.Millisecond)
	cw.Interrupt()

	select {
	case err := <-result:
		if !errors.Is(err, ErrStreamCanceled) {
			t.Errorf("Expected ErrStreamCanceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Interrupt did not unblock the stalled write")
	}
}
