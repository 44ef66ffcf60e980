package metrics

import (
	"time"

	"media-delivery/internal/logging"
)

// CacheStats summarises the artifact files currently on disk.
type CacheStats struct {
	RemuxFiles     int
	RemuxBytes     int64
	TranscodeFiles int
	TranscodeBytes int64
}

// StatsProvider reports cache usage for the collector.
type StatsProvider interface {
	CacheStats() (CacheStats, error)
}

// Collector periodically collects and updates cache usage metrics
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	stopChan      chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.statsProvider == nil {
		return
	}

	stats, err := c.statsProvider.CacheStats()
	if err != nil {
		logging.Warn("Failed to collect cache stats: %v", err)
		return
	}

	CacheArtifacts.WithLabelValues("remux").Set(float64(stats.RemuxFiles))
	CacheArtifacts.WithLabelValues("transcode").Set(float64(stats.TranscodeFiles))
	CacheSizeBytes.WithLabelValues("remux").Set(float64(stats.RemuxBytes))
	CacheSizeBytes.WithLabelValues("transcode").Set(float64(stats.TranscodeBytes))

	logging.Debug("Metrics collected: remux=%d (%d bytes), transcode=%d (%d bytes)",
		stats.RemuxFiles, stats.RemuxBytes, stats.TranscodeFiles, stats.TranscodeBytes)
}
