package imaging

import (
	"image"
	"strings"

	"canedump/internal/model"
)

const (
	TileWidth    = 640
	TileHeight   = 480
	HeaderHeight = 100

	CanvasWidth  = TileWidth * 2
	CanvasHeight = HeaderHeight + 2*TileHeight

	placeholderText = "IMAGE MISSING (INCOMPLETE)"
)

// TilePlan is where and what one tile draws.
type TilePlan struct {
	Rect   image.Rectangle
	Label  string
	Source string // frame file, empty for a placeholder
}

// Placeholder reports whether the tile is drawn without a capture.
func (p TilePlan) Placeholder() bool { return p.Source == "" }

// PlaceholderAt is the origin of the placeholder text inside the tile.
func (p TilePlan) PlaceholderAt() image.Point {
	return image.Pt(p.Rect.Min.X+50, p.Rect.Min.Y+TileHeight/2)
}

// LabelAt is the origin of the slot label inside the tile.
func (p TilePlan) LabelAt() image.Point {
	return image.Pt(p.Rect.Min.X+10, p.Rect.Min.Y+30)
}

// TileRect is the canvas area of the i-th tile in row-major order.
func TileRect(i int) image.Rectangle {
	x := (i % 2) * TileWidth
	y := HeaderHeight + (i/2)*TileHeight
	return image.Rect(x, y, x+TileWidth, y+TileHeight)
}

// HeaderText is the single header line of a report.
func HeaderText(h model.ReportHeader) string {
	return strings.Join([]string{h.Datetime, h.Factory, h.Milling, h.StationID, h.Plate}, " | ")
}

// Plan lays out the first four tiles of a report.
func Plan(rep model.MergedReport) []TilePlan {
	n := len(rep.Tiles)
	if n > 4 {
		n = 4
	}
	plans := make([]TilePlan, 0, n)
	for i, tile := range rep.Tiles[:n] {
		p := TilePlan{Rect: TileRect(i), Label: tile.Label}
		if !tile.Placeholder() {
			p.Source = tile.Capture.FrameReference
		}
		plans = append(plans, p)
	}
	return plans
}
