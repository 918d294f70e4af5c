package model

import "time"

// StateLogEntry is one accepted transition of a station.
type StateLogEntry struct {
	ID                int64             `json:"id,omitempty"`
	StationID         string            `json:"station_id"`
	SessionID         string            `json:"session_id,omitempty"`
	From              StationState      `json:"from_state"`
	To                StationState      `json:"to_state"`
	Timestamp         time.Time         `json:"timestamp"`
	TriggeringSignals []DetectionSignal `json:"triggering_signals,omitempty"`
	Trigger           string            `json:"trigger,omitempty"`
}
