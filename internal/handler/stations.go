package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/service/station"

	"github.com/gorilla/mux"
)

// StationService is the station-facing side of the service manager.
type StationService interface {
	HandleSignal(ctx context.Context, sig model.DetectionSignal) error
	HandleFrame(stationID string, view model.CameraView, image []byte) error
	Stations() []station.Snapshot
	Station(id string) (station.Snapshot, error)
	StartStation(id string) error
	StopStation(id string) error
}

// GetStationsHandler lists the live state of every station.
func GetStationsHandler(stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, stations.Stations())
	}
}

// GetStationHandler returns the live state of one station.
func GetStationHandler(stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := stations.Station(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, logger, statusFor(err), err.Error())
			return
		}
		writeJSON(w, logger, http.StatusOK, snap)
	}
}

// PostSignalHandler accepts one DetectionSignal for the station in the path.
// A body without station_id takes the path's.
func PostSignalHandler(stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var sig model.DetectionSignal
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&sig); err != nil {
			writeError(w, logger, http.StatusBadRequest, "invalid signal document: "+err.Error())
			return
		}
		if sig.StationID == "" {
			sig.StationID = id
		}
		if sig.StationID != id {
			writeError(w, logger, http.StatusBadRequest, "station_id does not match path")
			return
		}

		if err := stations.HandleSignal(r.Context(), sig); err != nil {
			status := statusFor(err)
			if status == http.StatusServiceUnavailable {
				logger.Warning("Signal for %s not queued: %v", id, err)
			}
			writeError(w, logger, status, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// PostFrameHandler accepts a raw JPEG upload for one station camera.
func PostFrameHandler(stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, logger, http.StatusBadRequest, "failed to read frame")
			return
		}
		if err := stations.HandleFrame(vars["id"], model.CameraView(vars["view"]), data); err != nil {
			status := statusFor(err)
			if status == http.StatusServiceUnavailable {
				status = http.StatusBadRequest
			}
			writeError(w, logger, status, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// StartStationHandler starts a stopped station worker.
func StartStationHandler(stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := stations.StartStation(id); err != nil {
			writeError(w, logger, statusFor(err), err.Error())
			return
		}
		logger.Info("Station %s started via API", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// StopStationHandler stops a station worker, abandoning its open session.
func StopStationHandler(stations StationService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := stations.StopStation(id); err != nil {
			writeError(w, logger, statusFor(err), err.Error())
			return
		}
		logger.Info("Station %s stopped via API", id)
		w.WriteHeader(http.StatusNoContent)
	}
}
