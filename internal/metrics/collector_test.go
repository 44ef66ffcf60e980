package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockStatsProvider struct {
	mu    sync.Mutex
	stats CacheStats
	err   error
	calls int
}

func (m *mockStatsProvider) CacheStats() (CacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.stats, m.err
}

func (m *mockStatsProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestNewCollector(t *testing.T) {
	provider := &mockStatsProvider{}
	collector := NewCollector(provider, 5*time.Second)

	if collector == nil {
		t.Fatal("NewCollector returned nil")
	}
	if collector.interval != 5*time.Second {
		t.Errorf("Expected interval=5s, got %v", collector.interval)
	}
	if collector.stopChan == nil {
		t.Error("Expected stopChan to be initialized")
	}
}

func TestCollectorCollect(t *testing.T) {
	provider := &mockStatsProvider{stats: CacheStats{
		RemuxFiles:     3,
		RemuxBytes:     3000,
		TranscodeFiles: 2,
		TranscodeBytes: 500,
	}}

	NewCollector(provider, time.Minute).collect()

	if got := testutil.ToFloat64(CacheArtifacts.WithLabelValues("remux")); got != 3 {
		t.Errorf("remux artifacts = %v, want 3", got)
	}
	if got := testutil.ToFloat64(CacheSizeBytes.WithLabelValues("transcode")); got != 500 {
		t.Errorf("transcode bytes = %v, want 500", got)
	}
}

func TestCollectorCollectError(t *testing.T) {
	CacheArtifacts.WithLabelValues("remux").Set(7)
	provider := &mockStatsProvider{err: errors.New("boom")}

	NewCollector(provider, time.Minute).collect()

	if got := testutil.ToFloat64(CacheArtifacts.WithLabelValues("remux")); got != 7 {
		t.Errorf("gauge should be untouched on error, got %v", got)
	}
}

func TestCollectorNilProvider(t *testing.T) {
	c := NewCollector(nil, time.Minute)
	c.collect() // must not panic
}

func TestCollectorStartStop(t *testing.T) {
	provider := &mockStatsProvider{}
	c := NewCollector(provider, 10*time.Millisecond)
	c.Start()

	deadline := time.Now().Add(2 * time.Second)
	for provider.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if provider.callCount() < 2 {
		t.Errorf("expected at least 2 collections, got %d", provider.callCount())
	}
}
