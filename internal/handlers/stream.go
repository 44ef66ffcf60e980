package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"media-delivery/internal/delivery"
	"media-delivery/internal/filesystem"
	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/streaming"
	"media-delivery/internal/transcoder"
)

// retryAfterSeconds is sent with 503 responses when the live slot is busy.
const retryAfterSeconds = 5

// StreamMedia serves playback for a media id.
// GET /api/stream/{id}?quality=original|high|medium|low
func (h *Handlers) StreamMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := mux.Vars(r)["id"]

	quality, err := mediatypes.ParseQuality(r.URL.Query().Get("quality"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	plan, err := h.engine.Resolve(r.Context(), mediaID, quality)
	if err != nil {
		h.writeEngineError(w, mediaID, err)
		return
	}
	defer plan.Release()

	logging.Debug("Stream %s: mode=%s action=%s quality=%s", mediaID, plan.Mode, plan.Decision.Action, plan.Quality)

	switch plan.Mode {
	case delivery.ModeDirect, delivery.ModeCached:
		h.serveFile(w, r, plan)
	case delivery.ModeLive:
		// Headers are sent by now; failures can only be logged.
		if err := plan.Stream(r.Context(), w); err != nil {
			logging.Error("Live stream for %s failed: %v", mediaID, err)
		}
	}
}

// serveFile serves a complete file with byte-range support.
func (h *Handlers) serveFile(w http.ResponseWriter, r *http.Request, plan *delivery.Plan) {
	f, err := filesystem.OpenWithRetry(plan.Path, h.retry)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Invalidated between Resolve and open; the client retries.
			writeJSONError(w, "media file not found", http.StatusNotFound)
			return
		}
		logging.Error("Failed to open %s: %v", plan.Path, err)
		writeJSONError(w, "failed to open media file", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Warn("failed to close %s: %v", plan.Path, err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		logging.Error("Failed to stat %s: %v", plan.Path, err)
		writeJSONError(w, "failed to access media file", http.StatusInternalServerError)
		return
	}

	name := filepath.Base(plan.Path)
	if plan.Mode == delivery.ModeCached {
		w.Header().Set("Content-Type", "video/mp4")
	}
	w.Header().Set("X-Stream-Seekable", "true")
	w.Header().Set("X-Stream-Mode", string(plan.Mode))

	http.ServeContent(w, r, name, info.ModTime(), f)
}

// GetStreamInfo reports what a playback request would get right now.
// GET /api/stream-info/{id}?quality=
func (h *Handlers) GetStreamInfo(w http.ResponseWriter, r *http.Request) {
	mediaID := mux.Vars(r)["id"]

	quality, err := mediatypes.ParseQuality(r.URL.Query().Get("quality"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.engine.Status(r.Context(), mediaID, quality)
	if err != nil {
		h.writeEngineError(w, mediaID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, report)
}

// InvalidateCache drops every cache artifact of a media id.
// POST /api/cache/{id}/invalidate
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	mediaID := mux.Vars(r)["id"]

	result, err := h.engine.Invalidate(mediaID)
	if errors.Is(err, mediatypes.ErrInvalidMediaID) {
		writeJSONError(w, "invalid media id", http.StatusBadRequest)
		return
	}
	if err != nil {
		logging.Error("Failed to invalidate cache for %s: %v", mediaID, err)
		writeJSONError(w, "failed to invalidate cache", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{
		"mediaId":  mediaID,
		"canceled": result.Canceled,
		"removed":  result.Removed,
	})
}

func (h *Handlers) writeEngineError(w http.ResponseWriter, mediaID string, err error) {
	switch {
	case errors.Is(err, mediatypes.ErrInvalidMediaID):
		writeJSONError(w, "invalid media id", http.StatusBadRequest)
	case errors.Is(err, delivery.ErrNotFound):
		writeJSONError(w, "media not found", http.StatusNotFound)
	case errors.Is(err, streaming.ErrUnavailable), errors.Is(err, transcoder.ErrShuttingDown):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logging.Error("Failed to resolve %s: %v", mediaID, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}
