package fsm

import "canedump/internal/model"

// Effect is what a matched rule does to the station.
type Effect int

const (
	EffectHold Effect = iota + 1
	EffectTransition
)

// Rule maps one guard, in one state, to an effect. Rules of a state are tried
// in order; the first whose guard holds (and whose eligibility check passes)
// wins. A state with no matching rule reports an anomaly.
type Rule struct {
	Guard    Guard
	Effect   Effect
	To       model.StationState
	Capture  model.CaptureSlot
	Finalize bool

	eligible func(Progress) bool
}

func transition(g Guard, to model.StationState) Rule {
	return Rule{Guard: g, Effect: EffectTransition, To: to}
}

func hold(g Guard) Rule {
	return Rule{Guard: g, Effect: EffectHold}
}

func (r Rule) capturing(slot model.CaptureSlot) Rule {
	r.Capture = slot
	return r
}

func (r Rule) finalizing() Rule {
	r.Finalize = true
	return r
}

func (r Rule) when(f func(Progress) bool) Rule {
	r.eligible = f
	return r
}

func lowEligible(p Progress) bool {
	return p.LowArmed && !p.Fired(model.SlotCaneLow)
}

var table = map[model.StationState][]Rule{
	model.EmptyIdle: {
		transition(GuardArrival, model.TruckIn).capturing(model.SlotLPRTimestamp),
		hold(GuardClear),
	},
	model.TruckIn: {
		transition(GuardLiftFull, model.DumpLift).capturing(model.SlotCaneFull),
		hold(GuardLoaded),
	},
	model.DumpLift: {
		transition(GuardDumpMid, model.DumpingActive).capturing(model.SlotCaneMid),
		hold(GuardLiftFull),
		hold(GuardLifting),
		hold(GuardDumping),
	},
	model.DumpingActive: {
		transition(GuardDumpLow, model.DumpingActive).capturing(model.SlotCaneLow).when(lowEligible),
		transition(GuardLiftHeldEmpty, model.DumpingEmpty),
		hold(GuardDumping),
		hold(GuardLiftHeld),
	},
	model.DumpingEmpty: {
		transition(GuardLowerEmpty, model.DumpDown),
		hold(GuardLiftHeldEmpty),
	},
	model.DumpDown: {
		transition(GuardTruckEmpty, model.TruckOut),
		hold(GuardLowerEmpty),
	},
	model.TruckOut: {
		transition(GuardClear, model.EmptyReset).finalizing(),
		hold(GuardTruckEmpty),
	},
	model.EmptyReset: {
		transition(GuardAny, model.EmptyIdle),
	},
}

// Rules returns the ordered rules of a state.
func Rules(state model.StationState) []Rule {
	return append([]Rule(nil), table[state]...)
}

// match finds the first applicable rule for the guard set.
func match(state model.StationState, guards GuardSet, p Progress) (Rule, bool) {
	for _, r := range table[state] {
		if !guards.Has(r.Guard) {
			continue
		}
		if r.eligible != nil && !r.eligible(p) {
			continue
		}
		return r, true
	}
	return Rule{}, false
}
