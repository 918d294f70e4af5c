package model

import "fmt"

// StationState is one of the eight lifecycle states of a dump station.
type StationState int

const (
	EmptyIdle StationState = iota + 1
	TruckIn
	DumpLift
	DumpingActive
	DumpingEmpty
	DumpDown
	TruckOut
	EmptyReset
)

var stateNames = map[StationState]string{
	EmptyIdle:     "EMPTY_IDLE",
	TruckIn:       "TRUCK_IN",
	DumpLift:      "DUMP_LIFT",
	DumpingActive: "DUMPING_ACTIVE",
	DumpingEmpty:  "DUMPING_EMPTY",
	DumpDown:      "DUMP_DOWN",
	TruckOut:      "TRUCK_OUT",
	EmptyReset:    "EMPTY_RESET",
}

func (s StationState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStationState maps a persisted state name back to its value.
func ParseStationState(name string) (StationState, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// AllStates lists the states in lifecycle order.
func AllStates() []StationState {
	return []StationState{EmptyIdle, TruckIn, DumpLift, DumpingActive, DumpingEmpty, DumpDown, TruckOut, EmptyReset}
}

// MarshalText encodes the state by name.
func (s StationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *StationState) UnmarshalText(text []byte) error {
	v, ok := ParseStationState(string(text))
	if !ok {
		return fmt.Errorf("unknown station state %q", string(text))
	}
	*s = v
	return nil
}
