package handler

import (
	"errors"
	"net/http"
	"os"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/repository"

	"github.com/gorilla/mux"
)

// SessionsPage is one page of the session listing.
type SessionsPage struct {
	Sessions    []model.DumpSession `json:"sessions"`
	Length      int                 `json:"length"`
	TotalPages  int                 `json:"total_pages"`
	CurrentPage int                 `json:"current_page"`
	Limit       int                 `json:"limit"`
}

// SessionDetail is a session with everything recorded for it.
type SessionDetail struct {
	Session  *model.DumpSession    `json:"session"`
	Captures []model.CaptureRecord `json:"captures"`
	StateLog []model.StateLogEntry `json:"state_log"`
	Report   *model.MergedReport   `json:"report,omitempty"`
}

// ListSessionsHandler returns sessions filtered by station, status and
// opening date, newest first.
func ListSessionsHandler(gateway repository.Gateway, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 24)

		status := model.SessionStatus(q.Get("status"))
		switch status {
		case "", model.SessionOpen, model.SessionFinalized, model.SessionAbandoned:
		default:
			writeError(w, logger, http.StatusBadRequest, "unknown status "+string(status))
			return
		}

		filter := model.SessionFilter{
			StationID:    q.Get("station"),
			Status:       status,
			OpenedAfter:  parseDate(q.Get("dateAfter")),
			OpenedBefore: parseDate(q.Get("dateBefore")),
			Limit:        limit,
			Offset:       (page - 1) * limit,
		}

		sessions, err := gateway.ListSessions(r.Context(), filter)
		if err != nil {
			logger.Error("Error querying sessions from database: %v", err)
			writeError(w, logger, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		total, err := gateway.CountSessions(r.Context(), filter)
		if err != nil {
			logger.Error("Error counting sessions: %v", err)
			total = len(sessions)
		}
		if sessions == nil {
			sessions = []model.DumpSession{}
		}

		writeJSON(w, logger, http.StatusOK, SessionsPage{
			Sessions:    sessions,
			Length:      total,
			TotalPages:  (total + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		})
	}
}

// GetSessionHandler returns one session with its captures, state log and
// report.
func GetSessionHandler(gateway repository.Gateway, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctx := r.Context()

		s, err := gateway.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, logger, http.StatusNotFound, "session not found")
				return
			}
			logger.Error("Error loading session %s: %v", id, err)
			writeError(w, logger, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		detail := SessionDetail{Session: s}
		if detail.Captures, err = gateway.GetCaptures(ctx, id); err != nil {
			logger.Error("Error loading captures of %s: %v", id, err)
		}
		if detail.StateLog, err = gateway.GetLogEntries(ctx, id); err != nil {
			logger.Error("Error loading state log of %s: %v", id, err)
		}
		if rep, err := gateway.GetReport(ctx, id); err == nil {
			detail.Report = rep
		} else if !errors.Is(err, repository.ErrNotFound) {
			logger.Error("Error loading report of %s: %v", id, err)
		}
		if detail.Captures == nil {
			detail.Captures = []model.CaptureRecord{}
		}
		if detail.StateLog == nil {
			detail.StateLog = []model.StateLogEntry{}
		}

		writeJSON(w, logger, http.StatusOK, detail)
	}
}

// ReportImageHandler serves the merged JPEG of a session.
func ReportImageHandler(gateway repository.ReportRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		rep, err := gateway.GetReport(r.Context(), id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, logger, http.StatusNotFound, "report not found")
				return
			}
			logger.Error("Error loading report of %s: %v", id, err)
			writeError(w, logger, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if rep.ArtifactPath == "" {
			writeError(w, logger, http.StatusNotFound, "report has no rendered image")
			return
		}
		if _, err := os.Stat(rep.ArtifactPath); err != nil {
			writeError(w, logger, http.StatusNotFound, "report image missing on disk")
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		http.ServeFile(w, r, rep.ArtifactPath)
	}
}
