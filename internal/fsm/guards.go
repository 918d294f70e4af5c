package fsm

import (
	"strings"

	"canedump/internal/aggregator"
	"canedump/internal/model"
)

// Guard is a boolean predicate over a fused observation.
type Guard int

const (
	GuardAny           Guard = iota // any usable observation
	GuardClear                      // no truck, no cane
	GuardArrival                    // truck present with cane on it
	GuardLoaded                     // truck with cane, lift idle or rising
	GuardLiftFull                   // lifting with a full load
	GuardLifting                    // truck, lift rising or held, cane above the mid band
	GuardDumpMid                    // dumping, coverage in the mid band
	GuardDumpLow                    // dumping, coverage in the low band
	GuardDumping                    // truck, dumping at any coverage
	GuardLiftHeld                   // truck, lift held at any coverage
	GuardLiftHeldEmpty              // lift held, no cane left
	GuardLowerEmpty                 // lowering, no cane
	GuardTruckEmpty                 // truck present, no cane, lift at rest
	guardCount
)

var guardNames = [...]string{
	GuardAny:           "any",
	GuardClear:         "clear",
	GuardArrival:       "arrival",
	GuardLoaded:        "loaded",
	GuardLiftFull:      "lift_full",
	GuardLifting:       "lifting",
	GuardDumpMid:       "dump_mid",
	GuardDumpLow:       "dump_low",
	GuardDumping:       "dumping",
	GuardLiftHeld:      "lift_held",
	GuardLiftHeldEmpty: "lift_held_empty",
	GuardLowerEmpty:    "lower_empty",
	GuardTruckEmpty:    "truck_empty",
}

func (g Guard) String() string {
	if g >= 0 && g < guardCount {
		return guardNames[g]
	}
	return "unknown"
}

// AllGuards lists every guard.
func AllGuards() []Guard {
	out := make([]Guard, 0, guardCount)
	for g := Guard(0); g < guardCount; g++ {
		out = append(out, g)
	}
	return out
}

// GuardSet is the set of guards an observation satisfies.
type GuardSet uint32

// Has reports whether g is in the set.
func (s GuardSet) Has(g Guard) bool { return s&(1<<uint(g)) != 0 }

func (s GuardSet) with(g Guard) GuardSet { return s | 1<<uint(g) }

// SetOf builds a GuardSet.
func SetOf(guards ...Guard) GuardSet {
	var s GuardSet
	for _, g := range guards {
		s = s.with(g)
	}
	return s
}

func (s GuardSet) String() string {
	var names []string
	for g := Guard(0); g < guardCount; g++ {
		if s.Has(g) {
			names = append(names, g.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Classify evaluates every guard against a usable observation. An unusable
// observation satisfies none.
func Classify(obs aggregator.Observation, b Bands) GuardSet {
	if !obs.Usable {
		return 0
	}

	truck := obs.TruckPresent()
	cane := obs.Coverage()
	phase := obs.Phase()

	s := SetOf(GuardAny)
	if !truck && b.empty(cane) {
		s = s.with(GuardClear)
	}
	if truck && !b.empty(cane) {
		s = s.with(GuardArrival)
		if phase == model.PhaseNone || phase == model.PhaseLifting {
			s = s.with(GuardLoaded)
		}
	}
	if phase == model.PhaseLifting && b.full(cane) {
		s = s.with(GuardLiftFull)
	}
	if truck && (phase == model.PhaseLifting || phase == model.PhaseLiftMax) && cane > b.MidHigh {
		s = s.with(GuardLifting)
	}
	if phase == model.PhaseDumping {
		if b.mid(cane) {
			s = s.with(GuardDumpMid)
		}
		if b.low(cane) {
			s = s.with(GuardDumpLow)
		}
		if truck {
			s = s.with(GuardDumping)
		}
	}
	if phase == model.PhaseLiftMax {
		if truck {
			s = s.with(GuardLiftHeld)
		}
		if b.empty(cane) {
			s = s.with(GuardLiftHeldEmpty)
		}
	}
	if phase == model.PhaseLowering && b.empty(cane) {
		s = s.with(GuardLowerEmpty)
	}
	if truck && b.empty(cane) && phase == model.PhaseNone {
		s = s.with(GuardTruckEmpty)
	}
	return s
}
