package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"canedump/internal/fsm"
	"canedump/internal/model"

	"gopkg.in/yaml.v3"
)

// ErrNoCameraBinding is returned for a station lacking a Front or Top camera.
var ErrNoCameraBinding = errors.New("station has no valid camera binding")

// SiteConfig is the content of the stations file.
type SiteConfig struct {
	Factory        string          `yaml:"factory"`
	MillingProcess string          `yaml:"milling_process"`
	Thresholds     Thresholds      `yaml:"thresholds"`
	Stations       []StationConfig `yaml:"stations"`
}

// StationConfig binds one dump station to its two cameras.
type StationConfig struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Front      CameraBinding `yaml:"front"`
	Top        CameraBinding `yaml:"top"`
	Thresholds *Thresholds   `yaml:"thresholds,omitempty"`
}

// CameraBinding identifies a camera by NVR channel and/or frame source address.
type CameraBinding struct {
	Channel int    `yaml:"channel"`
	Source  string `yaml:"source"`
}

// Bound reports whether the binding names a camera at all.
func (b CameraBinding) Bound() bool {
	return b.Channel > 0 || b.Source != ""
}

// Thresholds are the tunables of the aggregator, state machine and session
// manager. Zero fields take the site-wide (or built-in) value.
type Thresholds struct {
	StalenessTolerance  time.Duration `yaml:"staleness_tolerance"`
	EmptyMaxPct         float64       `yaml:"empty_max_pct"`
	FullMinPct          float64       `yaml:"full_min_pct"`
	MidLowPct           float64       `yaml:"mid_low_pct"`
	MidHighPct          float64       `yaml:"mid_high_pct"`
	LowLowPct           float64       `yaml:"low_low_pct"`
	LowHighPct          float64       `yaml:"low_high_pct"`
	HysteresisMarginPct float64       `yaml:"hysteresis_margin_pct"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	RecoveryThreshold   time.Duration `yaml:"recovery_threshold"`
	MinDwell            time.Duration `yaml:"min_dwell"` // zero accepts transitions immediately
}

// DefaultThresholds returns the built-in tunables.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StalenessTolerance:  1500 * time.Millisecond,
		EmptyMaxPct:         2,
		FullMinPct:          90,
		MidLowPct:           40,
		MidHighPct:          60,
		LowLowPct:           15,
		LowHighPct:          35,
		HysteresisMarginPct: 5,
		SessionTimeout:      15 * time.Minute,
		RecoveryThreshold:   2 * time.Minute,
	}
}

// Merge returns t with every non-zero field of o applied on top.
func (t Thresholds) Merge(o Thresholds) Thresholds {
	if o.StalenessTolerance != 0 {
		t.StalenessTolerance = o.StalenessTolerance
	}
	if o.EmptyMaxPct != 0 {
		t.EmptyMaxPct = o.EmptyMaxPct
	}
	if o.FullMinPct != 0 {
		t.FullMinPct = o.FullMinPct
	}
	if o.MidLowPct != 0 {
		t.MidLowPct = o.MidLowPct
	}
	if o.MidHighPct != 0 {
		t.MidHighPct = o.MidHighPct
	}
	if o.LowLowPct != 0 {
		t.LowLowPct = o.LowLowPct
	}
	if o.LowHighPct != 0 {
		t.LowHighPct = o.LowHighPct
	}
	if o.HysteresisMarginPct != 0 {
		t.HysteresisMarginPct = o.HysteresisMarginPct
	}
	if o.SessionTimeout != 0 {
		t.SessionTimeout = o.SessionTimeout
	}
	if o.RecoveryThreshold != 0 {
		t.RecoveryThreshold = o.RecoveryThreshold
	}
	if o.MinDwell != 0 {
		t.MinDwell = o.MinDwell
	}
	return t
}

// Bands converts the coverage thresholds for the state machine.
func (t Thresholds) Bands() fsm.Bands {
	return fsm.Bands{
		EmptyMax:         t.EmptyMaxPct,
		FullMin:          t.FullMinPct,
		MidLow:           t.MidLowPct,
		MidHigh:          t.MidHighPct,
		LowLow:           t.LowLowPct,
		LowHigh:          t.LowHighPct,
		HysteresisMargin: t.HysteresisMarginPct,
	}
}

// Validate checks that the thresholds describe ordered, non-overlapping bands.
func (t Thresholds) Validate() error {
	if t.StalenessTolerance <= 0 {
		return fmt.Errorf("staleness_tolerance must be positive")
	}
	if t.SessionTimeout <= 0 || t.RecoveryThreshold <= 0 {
		return fmt.Errorf("session_timeout and recovery_threshold must be positive")
	}
	if t.HysteresisMarginPct < 0 {
		return fmt.Errorf("hysteresis_margin_pct must not be negative")
	}
	if t.MinDwell < 0 {
		return fmt.Errorf("min_dwell must not be negative")
	}
	return t.Bands().Validate()
}

// LoadSite reads and validates the stations file.
func LoadSite(path string) (*SiteConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations file: %w", err)
	}
	return ParseSite(raw)
}

// ParseSite decodes a stations document and fills in defaults.
func ParseSite(raw []byte) (*SiteConfig, error) {
	var site SiteConfig
	if err := yaml.Unmarshal(raw, &site); err != nil {
		return nil, fmt.Errorf("parse stations file: %w", err)
	}
	site.applyDefaults()
	if err := site.Validate(); err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *SiteConfig) applyDefaults() {
	if s.Factory == "" {
		s.Factory = "NA"
	}
	if s.MillingProcess == "" {
		s.MillingProcess = "NA"
	}
	s.Thresholds = DefaultThresholds().Merge(s.Thresholds)
}

// ThresholdsFor returns the effective thresholds of one station.
func (s *SiteConfig) ThresholdsFor(st StationConfig) Thresholds {
	if st.Thresholds == nil {
		return s.Thresholds
	}
	return s.Thresholds.Merge(*st.Thresholds)
}

// Station looks up a station by id.
func (s *SiteConfig) Station(id string) (StationConfig, bool) {
	for _, st := range s.Stations {
		if st.ID == id {
			return st, true
		}
	}
	return StationConfig{}, false
}

// BindingForSource maps a frame source address to its station and view.
func (s *SiteConfig) BindingForSource(source string) (string, model.CameraView, bool) {
	for _, st := range s.Stations {
		if st.Front.Source == source {
			return st.ID, model.ViewFront, true
		}
		if st.Top.Source == source {
			return st.ID, model.ViewTop, true
		}
	}
	return "", "", false
}

// Validate fails on an unusable layout before any worker starts.
func (s *SiteConfig) Validate() error {
	if len(s.Stations) == 0 {
		return fmt.Errorf("no stations configured")
	}
	if err := s.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}

	ids := make(map[string]bool)
	sources := make(map[string]string)
	for i, st := range s.Stations {
		if st.ID == "" {
			return fmt.Errorf("station #%d: id is required", i+1)
		}
		if ids[st.ID] {
			return fmt.Errorf("station %s: duplicate id", st.ID)
		}
		ids[st.ID] = true

		if !st.Front.Bound() {
			return fmt.Errorf("station %s front camera: %w", st.ID, ErrNoCameraBinding)
		}
		if !st.Top.Bound() {
			return fmt.Errorf("station %s top camera: %w", st.ID, ErrNoCameraBinding)
		}
		for _, src := range []string{st.Front.Source, st.Top.Source} {
			if src == "" {
				continue
			}
			if owner, taken := sources[src]; taken {
				return fmt.Errorf("station %s: frame source %s already bound to %s", st.ID, src, owner)
			}
			sources[src] = st.ID
		}

		if err := s.ThresholdsFor(st).Validate(); err != nil {
			return fmt.Errorf("station %s thresholds: %w", st.ID, err)
		}
	}
	return nil
}
