package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"media-delivery/internal/cache"
	"media-delivery/internal/database"
	"media-delivery/internal/delivery"
	"media-delivery/internal/handlers"
	"media-delivery/internal/indexer"
	"media-delivery/internal/logging"
	"media-delivery/internal/memory"
	"media-delivery/internal/metrics"
	"media-delivery/internal/middleware"
	"media-delivery/internal/startup"
	"media-delivery/internal/streaming"
	"media-delivery/internal/transcoder"
)

const (
	shutdownTimeout         = 30 * time.Second
	metricsCollectInterval  = time.Minute
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 15 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

func main() {
	startTime := time.Now()

	startup.LogMemoryConfig(memory.ConfigureFromEnv())

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	metrics.InitializeMetrics()
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)

	dbStart := time.Now()
	db, err := database.New(context.Background(), config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn("failed to close database: %v", err)
		}
	}()
	startup.LogDatabaseInit(time.Since(dbStart))

	if config.CacheEnabled {
		if err := cache.New(config.CacheDir, nil).EnsureDirs(); err != nil {
			logging.Warn("Failed to create cache subdirectories, disabling cache: %v", err)
			config.CacheEnabled = false
		}
	}

	startup.LogEngineInit(config)
	encoderConfig := transcoder.DefaultConfig()
	encoderConfig.FFmpegPath = config.FFmpegPath
	engine := delivery.New(db, delivery.Config{
		CacheDir:            config.CacheDir,
		CacheEnabled:        config.CacheEnabled,
		ChainBackgroundJobs: config.ChainBackground,
		Encoder:             encoderConfig,
		Writer:              streaming.DefaultClientWriterConfig(),
	})

	startup.LogIndexerInit(config.IndexInterval, config.WatchMediaDir)
	idx := indexer.New(db, indexer.NewFFProbe(config.FFprobePath), indexer.Config{
		MediaDir:      config.MediaDir,
		IndexInterval: config.IndexInterval,
		Probe:         indexer.DefaultProbeConfig(),
		Watch:         config.WatchMediaDir,
	})
	idx.SetOnInvalidate(func(mediaID string) {
		if _, err := engine.Invalidate(mediaID); err != nil {
			logging.Error("Failed to invalidate cache for %s: %v", mediaID, err)
		}
	})
	idx.SetOnScanComplete(engine.OnScanComplete)
	idx.Start()
	startup.LogIndexerStarted()

	var collector *metrics.Collector
	if config.CacheEnabled {
		collector = metrics.NewCollector(engine.Store(), metricsCollectInterval)
		collector.Start()
	}

	h := handlers.New(engine, idx, db)
	router := setupRouter(h)
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Logger(loggingConfig)(router)

	srv := newServer(":"+config.Port, handler)

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsSrv = newMetricsServer(":"+config.MetricsPort, h.MetricsHandler())
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		handleShutdown(srv, metricsSrv, idx, engine, collector)
		close(done)
	}()

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stream/{id}", h.StreamMedia).Methods("GET")
	api.HandleFunc("/stream-info/{id}", h.GetStreamInfo).Methods("GET")
	api.HandleFunc("/cache/{id}/invalidate", h.InvalidateCache).Methods("POST")
	api.HandleFunc("/reindex", h.TriggerReindex).Methods("POST")
	api.HandleFunc("/transcode/clear", h.ClearTranscodeCache).Methods("POST")
	api.HandleFunc("/transcode/jobs", h.ListTranscodeJobs).Methods("GET")

	return r
}

// newServer builds the playback server. WriteTimeout stays zero because
// streams run for the length of a video; live streams set per-write
// deadlines through http.ResponseController instead.
func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      0,
		IdleTimeout:       serverIdleTimeout,
	}
}

func newMetricsServer(addr string, metricsHandler http.Handler) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", metricsHandler)
	return &http.Server{
		Addr:              addr,
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

func handleShutdown(srv, metricsSrv *http.Server, idx *indexer.Indexer, engine *delivery.Engine, collector *metrics.Collector) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if collector != nil {
		startup.LogShutdownStep("Stopping metrics collector")
		collector.Stop()
		startup.LogShutdownStepComplete("Metrics collector stopped")
	}

	startup.LogShutdownStep("Stopping indexer")
	idx.Stop()
	startup.LogShutdownStepComplete("Indexer stopped")

	startup.LogShutdownStep("Shutting down HTTP server and encoder processes")
	if err := shutdownHTTP(ctx, srv, engine); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server and encoder processes stopped")
	}

	if metricsSrv != nil {
		startup.LogShutdownStep("Shutting down metrics server")
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Metrics server stopped")
		}
	}

	startup.LogShutdownComplete()
}

// shutdownHTTP stops accepting connections, then shuts the engine down so
// live streams end and their handlers return within ctx. Requests already
// past the listener get 503 from the closed engine.
func shutdownHTTP(ctx context.Context, srv *http.Server, engine *delivery.Engine) error {
	engineDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		engine.Shutdown()
		close(engineDone)
	})
	err := srv.Shutdown(ctx)
	<-engineDone
	return err
}
