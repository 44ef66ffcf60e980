package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-delivery/internal/database"
	"media-delivery/internal/delivery"
	"media-delivery/internal/filesystem"
	"media-delivery/internal/indexer"
)

// Indexer is the part of the indexer the handlers use.
type Indexer interface {
	IsReady() bool
	IsIndexing() bool
	GetHealthStatus() indexer.HealthStatus
	TriggerIndex() bool
}

// StatsSource reports the statistics of the last index run.
type StatsSource interface {
	GetStats() database.IndexStats
}

// Handlers holds the dependencies of the HTTP handlers.
type Handlers struct {
	engine  *delivery.Engine
	indexer Indexer
	stats   StatsSource
	retry   filesystem.RetryConfig
}

// New creates Handlers.
func New(engine *delivery.Engine, idx Indexer, stats StatsSource) *Handlers {
	return &Handlers{
		engine:  engine,
		indexer: idx,
		stats:   stats,
		retry:   filesystem.DefaultRetryConfig(),
	}
}

// MetricsHandler returns the Prometheus metrics handler
func (h *Handlers) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
