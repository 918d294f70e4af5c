package model

import "time"

// SessionStatus is the lifecycle of a DumpSession record.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionFinalized SessionStatus = "finalized"
	SessionAbandoned SessionStatus = "abandoned"
)

// StatePoint is one step of a session's state path.
type StatePoint struct {
	State     StationState `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

// DumpSession is the record of one truck's dump cycle at one station.
type DumpSession struct {
	ID            string        `json:"session_id"`
	StationID     string        `json:"station_id"`
	OpenedAt      time.Time     `json:"opened_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	LastActivity  time.Time     `json:"last_activity"`
	StatePath     []StatePoint  `json:"state_path"`
	PlateText     string        `json:"plate_text,omitempty"`
	Status        SessionStatus `json:"status"`
	Complete      bool          `json:"complete"`
	AbandonReason string        `json:"abandon_reason,omitempty"`
}

// IsClosed reports whether the session reached a terminal status.
func (s *DumpSession) IsClosed() bool {
	return s.Status == SessionFinalized || s.Status == SessionAbandoned
}

// SessionFilter contains filtering options for listing sessions.
type SessionFilter struct {
	StationID    string
	Status       SessionStatus
	OpenedAfter  time.Time
	OpenedBefore time.Time
	Limit        int
	Offset       int
}
