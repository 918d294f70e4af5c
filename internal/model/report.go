package model

import "time"

// ReportLayout names the tile arrangement of a merged report.
type ReportLayout string

const Layout2x2 ReportLayout = "2x2"

// ReportHeader is the text band printed above the tiles.
type ReportHeader struct {
	Datetime  string `json:"datetime"`
	Factory   string `json:"factory"`
	Milling   string `json:"milling"`
	StationID string `json:"station_id"`
	Plate     string `json:"plate"`
}

// ReportTile is one slot position of the layout. Capture is nil for a
// placeholder tile.
type ReportTile struct {
	Slot    CaptureSlot    `json:"slot"`
	Label   string         `json:"label"`
	Capture *CaptureRecord `json:"capture,omitempty"`
}

// Placeholder reports whether the tile has no capture behind it.
func (t ReportTile) Placeholder() bool { return t.Capture == nil }

// MergedReport is the single derived artifact of a finalized session.
type MergedReport struct {
	SessionID    string       `json:"session_id"`
	Tiles        []ReportTile `json:"tiles"`
	Layout       ReportLayout `json:"layout"`
	Header       ReportHeader `json:"header_metadata"`
	ArtifactPath string       `json:"artifact_path"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ImageRefs returns the capture ids in tile order, empty for placeholders.
func (r MergedReport) ImageRefs() []string {
	refs := make([]string, 0, len(r.Tiles))
	for _, t := range r.Tiles {
		if t.Capture != nil {
			refs = append(refs, t.Capture.ID)
		} else {
			refs = append(refs, "")
		}
	}
	return refs
}
