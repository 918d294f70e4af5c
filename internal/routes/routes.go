package routes

import (
	"io"
	"net/http"

	"canedump/internal/handler"
	"canedump/internal/logger"
	"canedump/internal/middleware"
	"canedump/internal/observability"
	"canedump/internal/repository"
	"canedump/internal/service/websocket"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Stations handler.StationService
	Gateway  repository.Gateway
	DB       handler.Pinger
	Hub      *websocket.HubService
	Metrics  *observability.Metrics
	Logger   *logger.Logger
	APIKey   string
	// AccessLog receives one combined-format line per request; nil disables it.
	AccessLog io.Writer
}

// SetupRoutes registers the API endpoints and wraps the router with the
// API key middleware and the access log.
func SetupRoutes(d Deps) http.Handler {
	router := mux.NewRouter()
	log := d.Logger

	router.HandleFunc("/healthz", handler.HealthHandler(d.DB, d.Stations, log)).Methods(http.MethodGet)
	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()

	// Stations
	api.HandleFunc("/stations", handler.GetStationsHandler(d.Stations, log)).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", handler.GetStationHandler(d.Stations, log)).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}/signals", handler.PostSignalHandler(d.Stations, log)).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}/frames/{view}", handler.PostFrameHandler(d.Stations, log)).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}/start", handler.StartStationHandler(d.Stations, log)).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}/stop", handler.StopStationHandler(d.Stations, log)).Methods(http.MethodPost)

	// Sessions and reports
	api.HandleFunc("/sessions", handler.ListSessionsHandler(d.Gateway, log)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", handler.GetSessionHandler(d.Gateway, log)).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}/image", handler.ReportImageHandler(d.Gateway, log)).Methods(http.MethodGet)

	// Live feed
	if d.Hub != nil {
		api.HandleFunc("/live", handler.LiveWebsocketHandler(d.Hub, log))
	}

	// Log endpoints
	router.HandleFunc("/logs/{level}", handler.ShowLogsHandler(log)).Methods(http.MethodGet)
	router.HandleFunc("/logs/{level}/clear", handler.ClearLogsHandler(log)).Methods(http.MethodPost)

	var h http.Handler = middleware.APIKeyMiddleware(d.APIKey)(router)
	if d.AccessLog != nil {
		h = handlers.LoggingHandler(d.AccessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
}
