package handlers

import (
	"net/http"

	"media-delivery/internal/gate"
	"media-delivery/internal/logging"
	"media-delivery/internal/transcoder"
)

// ClearTranscodeCache cancels every encoder job and deletes every artifact.
// POST /api/transcode/clear
func (h *Handlers) ClearTranscodeCache(w http.ResponseWriter, _ *http.Request) {
	if !h.engine.CacheEnabled() {
		writeJSONError(w, "cache is disabled", http.StatusConflict)
		return
	}

	freedBytes, err := h.engine.ClearCache()
	if err != nil {
		logging.Error("Failed to clear transcode cache: %v", err)
		writeJSONError(w, "Failed to clear transcode cache", http.StatusInternalServerError)
		return
	}

	logging.Info("Transcode cache cleared, freed %d bytes", freedBytes)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{
		"success":    true,
		"freedBytes": freedBytes,
	})
}

// JobsResponse lists running cache builds and slot usage.
type JobsResponse struct {
	Jobs  []transcoder.JobInfo `json:"jobs"`
	Slots map[string]SlotUsage `json:"slots"`
}

// SlotUsage is the state of one concurrency pool.
type SlotUsage struct {
	InUse     int `json:"inUse"`
	Available int `json:"available"`
}

// ListTranscodeJobs reports the tracked encoder jobs.
// GET /api/transcode/jobs
func (h *Handlers) ListTranscodeJobs(w http.ResponseWriter, _ *http.Request) {
	g := h.engine.Gate()
	resp := JobsResponse{
		Jobs:  h.engine.Encoder().Jobs(),
		Slots: make(map[string]SlotUsage),
	}
	if resp.Jobs == nil {
		resp.Jobs = []transcoder.JobInfo{}
	}
	for _, pool := range []gate.Pool{gate.Background, gate.Live} {
		resp.Slots[pool.String()] = SlotUsage{InUse: g.InUse(pool), Available: g.Available(pool)}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

// TriggerReindex starts a library scan.
// POST /api/reindex
func (h *Handlers) TriggerReindex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.indexer.IsIndexing() || !h.indexer.TriggerIndex() {
		writeJSON(w, map[string]string{
			"status":  "already_running",
			"message": "Indexing is already in progress",
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{
		"status":  "started",
		"message": "Re-indexing started",
	})
}
