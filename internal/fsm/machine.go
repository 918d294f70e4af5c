// Package fsm implements the dump station lifecycle as a pure transition
// function over fused observations.
package fsm

import (
	"time"

	"canedump/internal/aggregator"
	"canedump/internal/model"
)

// Progress is the per-session capture bookkeeping carried beside the state.
type Progress struct {
	fired    uint8
	LowArmed bool
}

// Fired reports whether the intent for slot was already emitted this session.
func (p Progress) Fired(slot model.CaptureSlot) bool {
	i := slot.Index()
	return i >= 0 && p.fired&(1<<uint(i)) != 0
}

func (p Progress) mark(slot model.CaptureSlot) Progress {
	if i := slot.Index(); i >= 0 {
		p.fired |= 1 << uint(i)
	}
	return p
}

// FiredSlots lists the fired slots in report order.
func (p Progress) FiredSlots() []model.CaptureSlot {
	var out []model.CaptureSlot
	for _, slot := range model.SlotOrder {
		if p.Fired(slot) {
			out = append(out, slot)
		}
	}
	return out
}

// Kind classifies the outcome of one evaluation.
type Kind int

const (
	KindNoData Kind = iota + 1
	KindHold
	KindTransition
	KindAnomaly
)

func (k Kind) String() string {
	switch k {
	case KindNoData:
		return "no_data"
	case KindHold:
		return "hold"
	case KindTransition:
		return "transition"
	case KindAnomaly:
		return "anomaly"
	}
	return "unknown"
}

// Intent is the side effect a transition asks the station worker to carry out.
type Intent struct {
	OpenSession bool
	Capture     model.CaptureSlot // empty when no capture is due
	Finalize    bool
}

// Outcome describes one evaluation.
type Outcome struct {
	Kind   Kind
	From   model.StationState
	To     model.StationState
	Guards GuardSet
	Intent Intent

	// Debounced is set on a hold that deferred a matched transition because
	// the current state was entered less than the minimum dwell ago.
	Debounced bool
}

// Changed reports whether the outcome is an accepted transition.
func (o Outcome) Changed() bool { return o.Kind == KindTransition }

// Machine is a station state plus its capture progress. It is a value: Advance
// returns the next machine and never mutates the receiver.
type Machine struct {
	State    model.StationState
	Progress Progress
	bands    Bands

	minDwell  time.Duration
	enteredAt time.Time
}

// New returns a machine in EMPTY_IDLE.
func New(b Bands) Machine {
	return Machine{State: model.EmptyIdle, bands: b}
}

// Restore returns a machine in the given state with empty progress.
func Restore(b Bands, state model.StationState) Machine {
	return Machine{State: state, bands: b}
}

// WithMinDwell returns the machine with transitions deferred until a state
// has been held for at least d. Zero disables the check.
func (m Machine) WithMinDwell(d time.Duration) Machine {
	m.minDwell = d
	return m
}

// Bands returns the thresholds the machine evaluates with.
func (m Machine) Bands() Bands { return m.bands }

// Reset returns the machine in EMPTY_IDLE with progress cleared.
func (m Machine) Reset() Machine {
	return New(m.bands).WithMinDwell(m.minDwell)
}

// Advance evaluates one observation.
func (m Machine) Advance(obs aggregator.Observation) (Machine, Outcome) {
	out := Outcome{From: m.State, To: m.State}
	if !obs.Usable {
		out.Kind = KindNoData
		return m, out
	}

	next := m
	if next.State == model.DumpingActive && next.Progress.Fired(model.SlotCaneMid) &&
		obs.Coverage() < next.bands.lowArmingPoint() {
		next.Progress.LowArmed = true
	}

	out.Guards = Classify(obs, m.bands)
	rule, ok := match(next.State, out.Guards, next.Progress)
	if !ok {
		out.Kind = KindAnomaly
		return next, out
	}
	if rule.Effect == EffectHold {
		out.Kind = KindHold
		return next, out
	}

	if m.minDwell > 0 && !m.enteredAt.IsZero() && obs.At.Sub(m.enteredAt) < m.minDwell {
		out.Kind = KindHold
		out.Debounced = true
		return next, out
	}

	out.Kind = KindTransition
	out.To = rule.To
	out.Intent = Intent{
		OpenSession: m.State == model.EmptyIdle && rule.To == model.TruckIn,
		Capture:     rule.Capture,
		Finalize:    rule.Finalize,
	}

	if rule.To == model.TruckIn || rule.To == model.EmptyIdle {
		next.Progress = Progress{}
	}
	if rule.Capture != "" {
		next.Progress = next.Progress.mark(rule.Capture)
	}
	next.State = rule.To
	next.enteredAt = obs.At
	return next, out
}
