// Package aggregator fuses the latest Front and Top detection signals of one
// station into a single observation for the state machine.
package aggregator

import (
	"fmt"
	"time"

	"canedump/internal/model"
)

// Reason explains why no reliable observation could be produced.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonMissingFront Reason = "missing_front"
	ReasonMissingTop   Reason = "missing_top"
	ReasonStaleFront   Reason = "stale_front"
	ReasonStaleTop     Reason = "stale_top"
	ReasonFutureFront  Reason = "future_front"
	ReasonFutureTop    Reason = "future_top"
)

// Observation is the fused Front+Top view of a station at one evaluation time.
// When Usable is false the state machine must hold its state.
type Observation struct {
	StationID string
	At        time.Time
	Usable    bool
	Reason    Reason

	Front    model.DetectionSignal
	Top      model.DetectionSignal
	FrontAge time.Duration
	TopAge   time.Duration
}

// NoReliableData builds an unusable observation.
func NoReliableData(stationID string, at time.Time, reason Reason) Observation {
	return Observation{StationID: stationID, At: at, Reason: reason}
}

// TruckPresent is the Front view's truck flag.
func (o Observation) TruckPresent() bool {
	return o.Front.Front != nil && o.Front.Front.TruckPresent
}

// PlateText is the Front view's plate reading, if any.
func (o Observation) PlateText() string {
	if o.Front.Front == nil {
		return ""
	}
	return o.Front.Front.PlateText
}

// Coverage is the Top view's cane coverage in percent.
func (o Observation) Coverage() float64 {
	if o.Top.Top == nil {
		return 0
	}
	return o.Top.Top.CaneCoveragePct
}

// Phase is the Top view's dump phase hint.
func (o Observation) Phase() model.DumpPhase {
	if o.Top.Top == nil || o.Top.Top.DumpPhaseHint == "" {
		return model.PhaseNone
	}
	return o.Top.Top.DumpPhaseHint
}

// Signals returns the constituent signals of a usable observation.
func (o Observation) Signals() []model.DetectionSignal {
	if !o.Usable {
		return nil
	}
	return []model.DetectionSignal{o.Front, o.Top}
}

func (o Observation) String() string {
	if !o.Usable {
		return fmt.Sprintf("no reliable data (%s)", o.Reason)
	}
	return fmt.Sprintf("truck=%t cane=%.1f%% phase=%s front_age=%s top_age=%s",
		o.TruckPresent(), o.Coverage(), o.Phase(), o.FrontAge, o.TopAge)
}

// Aggregator keeps the latest signal of each view for one station. It is owned
// by a single station worker and is not safe for concurrent use.
type Aggregator struct {
	stationID string
	tolerance time.Duration

	front    model.DetectionSignal
	top      model.DetectionSignal
	hasFront bool
	hasTop   bool
}

// New creates an aggregator for stationID with the given staleness tolerance.
func New(stationID string, tolerance time.Duration) *Aggregator {
	return &Aggregator{stationID: stationID, tolerance: tolerance}
}

// Offer records a signal received at now. It reports false for a signal of
// another station, one stamped more than the tolerance after now, or one older
// than the signal already held for its view. A held signal that is itself
// ahead of now by more than the tolerance never blocks a newer arrival.
func (a *Aggregator) Offer(s model.DetectionSignal, now time.Time) bool {
	if s.StationID != a.stationID || s.Timestamp.Sub(now) > a.tolerance {
		return false
	}
	switch s.CameraView {
	case model.ViewFront:
		if s.Front == nil || (a.hasFront && a.blocks(a.front, s, now)) {
			return false
		}
		a.front, a.hasFront = s, true
	case model.ViewTop:
		if s.Top == nil || (a.hasTop && a.blocks(a.top, s, now)) {
			return false
		}
		a.top, a.hasTop = s, true
	default:
		return false
	}
	return true
}

func (a *Aggregator) blocks(held, s model.DetectionSignal, now time.Time) bool {
	if held.Timestamp.Sub(now) > a.tolerance {
		return false
	}
	return s.Timestamp.Before(held.Timestamp)
}

// Fuse combines the held signals relative to now.
func (a *Aggregator) Fuse(now time.Time) Observation {
	if !a.hasFront {
		return NoReliableData(a.stationID, now, ReasonMissingFront)
	}
	if !a.hasTop {
		return NoReliableData(a.stationID, now, ReasonMissingTop)
	}

	frontAge := now.Sub(a.front.Timestamp)
	topAge := now.Sub(a.top.Timestamp)
	switch {
	case frontAge > a.tolerance:
		return NoReliableData(a.stationID, now, ReasonStaleFront)
	case frontAge < -a.tolerance:
		return NoReliableData(a.stationID, now, ReasonFutureFront)
	case topAge > a.tolerance:
		return NoReliableData(a.stationID, now, ReasonStaleTop)
	case topAge < -a.tolerance:
		return NoReliableData(a.stationID, now, ReasonFutureTop)
	}

	return Observation{
		StationID: a.stationID,
		At:        now,
		Usable:    true,
		Front:     a.front,
		Top:       a.top,
		FrontAge:  frontAge,
		TopAge:    topAge,
	}
}

// Tolerance returns the configured staleness tolerance.
func (a *Aggregator) Tolerance() time.Duration {
	return a.tolerance
}
