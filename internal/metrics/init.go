package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	profiles := []string{"background_remux", "background_transcode", "live_transcode", "live_remux"}
	for _, p := range profiles {
		for _, status := range []string{"success", "failed", "canceled"} {
			EncoderJobsTotal.WithLabelValues(p, status)
		}
		EncoderJobDuration.WithLabelValues(p)
		EncoderJobsInProgress.WithLabelValues(p)
	}

	for _, pool := range []string{"background", "live"} {
		GateReservationsTotal.WithLabelValues(pool, "granted")
		GateReservationsTotal.WithLabelValues(pool, "saturated")
		GateSlotsInUse.WithLabelValues(pool)
	}

	for _, mode := range []string{"remux", "transcode"} {
		for _, status := range []string{"completed", "client_gone", "failed", "unavailable"} {
			FallbackStreamsTotal.WithLabelValues(mode, status)
		}
		FallbackStreamsActive.WithLabelValues(mode)
	}

	for _, outcome := range []string{"started", "ready", "building", "direct", "saturated", "failed_recently", "error"} {
		SchedulerDecisionsTotal.WithLabelValues(outcome)
	}

	for _, mode := range []string{"direct", "cached", "live"} {
		CacheServedTotal.WithLabelValues(mode)
	}

	for _, kind := range []string{"remux", "transcode"} {
		CacheSizeBytes.WithLabelValues(kind)
		CacheArtifacts.WithLabelValues(kind)
	}

	for _, status := range []string{"success", "failed"} {
		IndexerFilesProbed.WithLabelValues(status)
	}

	for _, change := range []string{"new", "modified", "removed"} {
		IndexerSourceChanges.WithLabelValues(change)
	}

	for _, op := range []string{"stat", "open", "remove"} {
		FilesystemRetryAttempts.WithLabelValues(op)
		FilesystemRetryFailures.WithLabelValues(op)
		FilesystemStaleErrors.WithLabelValues(op)
	}

	for _, op := range []string{"initialize_schema", "upsert_profile", "get_profile", "list_profiles",
		"get_file_states", "delete_profile"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}
}
