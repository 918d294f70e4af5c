package fsm

import "fmt"

// Bands are the cane coverage thresholds, in percent, the guards are built on.
type Bands struct {
	EmptyMax         float64 // coverage at or below this reads as no cane
	FullMin          float64 // coverage at or above this reads as a full load
	MidLow, MidHigh  float64
	LowLow, LowHigh  float64
	HysteresisMargin float64 // drop below MidLow-HysteresisMargin needed to arm CANE_LOW
}

// DefaultBands returns the built-in coverage bands.
func DefaultBands() Bands {
	return Bands{
		EmptyMax:         2,
		FullMin:          90,
		MidLow:           40,
		MidHigh:          60,
		LowLow:           15,
		LowHigh:          35,
		HysteresisMargin: 5,
	}
}

// Validate checks that the bands are ordered and do not overlap.
func (b Bands) Validate() error {
	switch {
	case b.EmptyMax < 0:
		return fmt.Errorf("empty band must not be negative")
	case b.LowLow <= b.EmptyMax:
		return fmt.Errorf("low band (%.1f) must start above the empty band (%.1f)", b.LowLow, b.EmptyMax)
	case b.LowHigh < b.LowLow:
		return fmt.Errorf("low band is inverted (%.1f..%.1f)", b.LowLow, b.LowHigh)
	case b.MidLow <= b.LowHigh:
		return fmt.Errorf("mid band (%.1f) must start above the low band (%.1f)", b.MidLow, b.LowHigh)
	case b.MidHigh < b.MidLow:
		return fmt.Errorf("mid band is inverted (%.1f..%.1f)", b.MidLow, b.MidHigh)
	case b.FullMin <= b.MidHigh || b.FullMin > 100:
		return fmt.Errorf("full threshold (%.1f) must lie between the mid band and 100", b.FullMin)
	case b.HysteresisMargin < 0:
		return fmt.Errorf("hysteresis margin must not be negative")
	}
	return nil
}

func (b Bands) empty(c float64) bool { return c <= b.EmptyMax }
func (b Bands) full(c float64) bool  { return c >= b.FullMin }
func (b Bands) mid(c float64) bool   { return c >= b.MidLow && c <= b.MidHigh }
func (b Bands) low(c float64) bool   { return c >= b.LowLow && c <= b.LowHigh }

// lowArmingPoint is the coverage CANE_LOW arming requires going below.
func (b Bands) lowArmingPoint() float64 { return b.MidLow - b.HysteresisMargin }
