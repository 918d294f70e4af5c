package model

import "time"

// CameraView identifies which of the two station cameras produced a signal.
type CameraView string

const (
	ViewFront CameraView = "front"
	ViewTop   CameraView = "top"
)

// Valid reports whether v is one of the known views.
func (v CameraView) Valid() bool {
	return v == ViewFront || v == ViewTop
}

// DumpPhase is the Top view's hint about where the lift is in its cycle.
type DumpPhase string

const (
	PhaseNone     DumpPhase = "none"
	PhaseLifting  DumpPhase = "lifting"
	PhaseLiftMax  DumpPhase = "lift_max"
	PhaseDumping  DumpPhase = "dumping"
	PhaseLowering DumpPhase = "lowering"
)

// Valid reports whether p is one of the known phases. The empty string is
// accepted and read as PhaseNone.
func (p DumpPhase) Valid() bool {
	switch p {
	case "", PhaseNone, PhaseLifting, PhaseLiftMax, PhaseDumping, PhaseLowering:
		return true
	}
	return false
}

// FrontAttributes are produced by the truck/plate camera.
type FrontAttributes struct {
	TruckPresent bool   `json:"truck_present"`
	PlateText    string `json:"plate_text,omitempty"`
}

// TopAttributes are produced by the cane/dirt camera.
type TopAttributes struct {
	CaneCoveragePct float64   `json:"cane_coverage_pct"`
	DumpPhaseHint   DumpPhase `json:"dump_phase_hint"`
}

// DetectionSignal is one camera's structured detection for one timestamp.
// Only the attribute block matching CameraView is meaningful.
type DetectionSignal struct {
	StationID  string           `json:"station_id"`
	CameraView CameraView       `json:"camera_view"`
	Timestamp  time.Time        `json:"timestamp"`
	Front      *FrontAttributes `json:"front,omitempty"`
	Top        *TopAttributes   `json:"top,omitempty"`
}

// Validate checks that the signal carries the attribute block of its view.
func (s DetectionSignal) Validate() error {
	if s.StationID == "" {
		return ErrInvalidSignal("station_id is required")
	}
	if s.Timestamp.IsZero() {
		return ErrInvalidSignal("timestamp is required")
	}
	switch s.CameraView {
	case ViewFront:
		if s.Front == nil {
			return ErrInvalidSignal("front signal without front attributes")
		}
	case ViewTop:
		if s.Top == nil {
			return ErrInvalidSignal("top signal without top attributes")
		}
		if s.Top.CaneCoveragePct < 0 || s.Top.CaneCoveragePct > 100 {
			return ErrInvalidSignal("cane_coverage_pct out of range")
		}
		if !s.Top.DumpPhaseHint.Valid() {
			return ErrInvalidSignal("unknown dump_phase_hint " + string(s.Top.DumpPhaseHint))
		}
	default:
		return ErrInvalidSignal("unknown camera_view " + string(s.CameraView))
	}
	return nil
}

// ErrInvalidSignal describes why a signal was rejected at the boundary.
type ErrInvalidSignal string

func (e ErrInvalidSignal) Error() string { return "invalid signal: " + string(e) }
