package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/junho-song/marketdeck/internal/api/handlers"
	"github.com/junho-song/marketdeck/internal/schedule"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// NewRouter creates and configures the HTTP router
func NewRouter(deckHandler *handlers.DeckHandler, hub *Hub, sched *schedule.Scheduler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	// API
	api := r.PathPrefix("/api").Subrouter()

	// Kline + forced refresh
	api.HandleFunc("/kline", deckHandler.GetKline).Methods("GET")
	api.HandleFunc("/kline/refresh", deckHandler.RefreshKline).Methods("POST")

	// Analysis jobs
	api.HandleFunc("/analysis", deckHandler.TriggerAnalysis).Methods("POST")
	api.HandleFunc("/analysis/status", deckHandler.GetAnalysisStatus).Methods("GET")

	// Read models
	api.HandleFunc("/sector/heat", deckHandler.GetSectorHeat).Methods("GET")
	api.HandleFunc("/news", deckHandler.GetNews).Methods("GET")

	// Derived display data
	api.HandleFunc("/regime/summary", deckHandler.GetRegimeSummary).Methods("GET")

	// Scheduled job history, absent when scheduling is disabled
	if sched != nil {
		api.HandleFunc("/schedule/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(sched.Stats())
		}).Methods("GET")
	}

	// Live push
	r.HandleFunc("/ws", hub.ServeWS).Methods("GET")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "marketdeck-api",
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
