package imaging

import (
	"image"
	"testing"

	"canedump/internal/model"
)

func fourTiles() model.MergedReport {
	rep := model.MergedReport{SessionID: "s-1", Layout: model.Layout2x2}
	for _, slot := range model.SlotOrder {
		rep.Tiles = append(rep.Tiles, model.ReportTile{Slot: slot, Label: string(slot)})
	}
	return rep
}

func TestTileRect(t *testing.T) {
	tests := []struct {
		index    int
		expected image.Rectangle
	}{
		{0, image.Rect(0, 100, 640, 580)},
		{1, image.Rect(640, 100, 1280, 580)},
		{2, image.Rect(0, 580, 640, 1060)},
		{3, image.Rect(640, 580, 1280, 1060)},
	}
	for _, tt := range tests {
		if got := TileRect(tt.index); got != tt.expected {
			t.Errorf("Tile %d: expected %v, got %v", tt.index, tt.expected, got)
		}
	}

	canvas := image.Rect(0, 0, CanvasWidth, CanvasHeight)
	for i := 0; i < 4; i++ {
		if r := TileRect(i); !r.In(canvas) {
			t.Errorf("Tile %d at %v lies outside the %v canvas", i, r, canvas)
		}
	}
}

func TestHeaderText(t *testing.T) {
	h := model.ReportHeader{Datetime: "2026-03-01 08:00:00", Factory: "F01", Milling: "M1", StationID: "dump-01", Plate: "70-1234"}
	expected := "2026-03-01 08:00:00 | F01 | M1 | dump-01 | 70-1234"
	if got := HeaderText(h); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}

	if got := HeaderText(model.ReportHeader{}); got != " |  |  |  | " {
		t.Errorf("Expected empty fields to keep separators, got %q", got)
	}
}

func TestPlan_Placeholders(t *testing.T) {
	rep := fourTiles()
	rep.Tiles[1].Capture = &model.CaptureRecord{Slot: rep.Tiles[1].Slot, FrameReference: "images/full.jpg"}

	plans := Plan(rep)
	if len(plans) != 4 {
		t.Fatalf("Expected 4 tiles, got %d", len(plans))
	}
	for i, p := range plans {
		if p.Rect != TileRect(i) || p.Label != rep.Tiles[i].Label {
			t.Errorf("Tile %d: unexpected plan %+v", i, p)
		}
		if want := i != 1; p.Placeholder() != want {
			t.Errorf("Tile %d: expected placeholder=%t, got %t", i, want, p.Placeholder())
		}
	}
	if plans[1].Source != "images/full.jpg" {
		t.Errorf("Expected capture source images/full.jpg, got %q", plans[1].Source)
	}
	if at := plans[3].PlaceholderAt(); !at.In(plans[3].Rect) {
		t.Errorf("Placeholder text at %v lies outside tile %v", at, plans[3].Rect)
	}
	if at := plans[2].LabelAt(); !at.In(plans[2].Rect) {
		t.Errorf("Label at %v lies outside tile %v", at, plans[2].Rect)
	}
}

func TestPlan_ExtraTilesIgnored(t *testing.T) {
	rep := fourTiles()
	rep.Tiles = append(rep.Tiles, model.ReportTile{Label: "extra"})
	if n := len(Plan(rep)); n != 4 {
		t.Errorf("Expected 4 tiles, got %d", n)
	}
	if n := len(Plan(model.MergedReport{})); n != 0 {
		t.Errorf("Expected no tiles for an empty report, got %d", n)
	}
}
