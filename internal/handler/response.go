package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/repository"
	"canedump/internal/service"
	"canedump/internal/service/storage"
)

// maxBodySize bounds signal documents and frame uploads.
const maxBodySize = 8 << 20

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, logger *logger.Logger, status int, msg string) {
	writeJSON(w, logger, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var invalid model.ErrInvalidSignal
	switch {
	case errors.As(err, &invalid), errors.Is(err, storage.ErrNotJPEG):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownStation), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStationStopped), errors.Is(err, service.ErrStationRunning):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// parseDate parses an RFC 3339 timestamp or a "2006-01-02" date (HTML input format).
func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}
