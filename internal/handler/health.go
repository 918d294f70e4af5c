package handler

import (
	"context"
	"net/http"
	"time"

	"canedump/internal/logger"
)

// Pinger checks the durable store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Stations int    `json:"stations"`
	Running  int    `json:"running"`
}

// HealthHandler reports database reachability and how many station workers run.
func HealthHandler(db Pinger, stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Database: "ok"}
		for _, s := range stations.Stations() {
			resp.Stations++
			if s.Running {
				resp.Running++
			}
		}
		status := http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			logger.Error("Health check: database unreachable: %v", err)
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, status, resp)
	}
}
