package api

import (
	"net/http"

	"guidecast/handlers"

	"github.com/gorilla/mux"
)

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Register mounts API endpoints onto the provided router.
func Register(r *mux.Router, epgHandler *handlers.EPGHandler) {
	api := r.PathPrefix("/api").Subrouter()

	// Add CORS middleware to API subrouter
	api.Use(corsMiddleware)

	api.HandleFunc("/epg/lookup", epgHandler.Lookup).Methods(http.MethodGet)
	api.HandleFunc("/epg/lookup", epgHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/epg/status", epgHandler.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/epg/status", epgHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/epg/stats", epgHandler.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/epg/stats", epgHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/epg/refresh", epgHandler.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/epg/refresh", epgHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/epg/hydrate", epgHandler.Hydrate).Methods(http.MethodPost)
	api.HandleFunc("/epg/hydrate", epgHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/epg/clear", epgHandler.Clear).Methods(http.MethodPost)
	api.HandleFunc("/epg/clear", epgHandler.Options).Methods(http.MethodOptions)
}
