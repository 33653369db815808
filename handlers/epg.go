package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"guidecast/models"
	"guidecast/services/epg"
)

// EPGHandler handles guide-related HTTP requests.
type EPGHandler struct {
	epgService *epg.Service
}

// NewEPGHandler creates a new EPG handler.
func NewEPGHandler(epgService *epg.Service) *EPGHandler {
	return &EPGHandler{
		epgService: epgService,
	}
}

// Lookup resolves a playlist channel and returns its upcoming programmes.
// GET /api/epg/lookup?name=TF1&tvgId=tf1.fr&tvgName=TF1
func (h *EPGHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if h.epgService == nil {
		http.Error(w, `{"error":"EPG service not available"}`, http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	ref := models.PlaylistChannel{
		Name:    query.Get("name"),
		TvgID:   query.Get("tvgId"),
		TvgName: query.Get("tvgName"),
	}
	if ref.Name == "" && ref.TvgID == "" && ref.TvgName == "" {
		http.Error(w, `{"error":"missing name parameter"}`, http.StatusBadRequest)
		return
	}

	programmes, err := h.epgService.LookupProgrammes(r.Context(), ref)
	if err != nil {
		log.Printf("[epg] lookup error: %v", err)
		http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
		return
	}
	if programmes == nil {
		programmes = []models.ProgrammeRecord{}
	}

	response := struct {
		Channel    models.PlaylistChannel   `json:"channel"`
		Matched    bool                     `json:"matched"`
		Programmes []models.ProgrammeRecord `json:"programmes"`
	}{
		Channel:    ref,
		Matched:    len(programmes) > 0,
		Programmes: programmes,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[epg] Lookup JSON encode error: %v", err)
	}
}

// GetStatus returns the cache state machine value and progress.
// GET /api/epg/status
func (h *EPGHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.epgService == nil {
		http.Error(w, `{"error":"EPG service not available"}`, http.StatusServiceUnavailable)
		return
	}

	status := h.epgService.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Printf("[epg] GetStatus JSON encode error: %v", err)
	}
}

// GetStats returns what the persistent store holds.
// GET /api/epg/stats
func (h *EPGHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.epgService == nil {
		http.Error(w, `{"error":"EPG service not available"}`, http.StatusServiceUnavailable)
		return
	}

	stats, err := h.epgService.Stats(r.Context())
	if err != nil {
		log.Printf("[epg] stats error: %v", err)
		http.Error(w, `{"error":"stats unavailable"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("[epg] GetStats JSON encode error: %v", err)
	}
}

// Refresh triggers a feed ingestion. A refresh already in flight makes
// this a no-op on the service side.
// POST /api/epg/refresh
func (h *EPGHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.epgService == nil {
		http.Error(w, `{"error":"EPG service not available"}`, http.StatusServiceUnavailable)
		return
	}

	// Independent context: ingestion outlives the HTTP request
	h.epgService.StartIngestion(context.Background())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"ingestion started"}`))
}

// Hydrate triggers a background rebuild of the in-memory snapshot from
// the persistent store.
// POST /api/epg/hydrate
func (h *EPGHandler) Hydrate(w http.ResponseWriter, r *http.Request) {
	if h.epgService == nil {
		http.Error(w, `{"error":"EPG service not available"}`, http.StatusServiceUnavailable)
		return
	}

	h.epgService.StartHydration(context.Background())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"hydration started"}`))
}

// Clear wipes the guide cache entirely.
// POST /api/epg/clear
func (h *EPGHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if h.epgService == nil {
		http.Error(w, `{"error":"EPG service not available"}`, http.StatusServiceUnavailable)
		return
	}

	if err := h.epgService.Clear(r.Context()); err != nil {
		log.Printf("[epg] clear error: %v", err)
		http.Error(w, `{"error":"clear failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"cleared"}`))
}

// Options handles CORS preflight requests.
func (h *EPGHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
