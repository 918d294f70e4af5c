package imaging

import (
	"context"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"

	"canedump/internal/logger"
	"canedump/internal/model"
)

func TestRender_PlaceholderReport(t *testing.T) {
	rep := fourTiles()
	rep.Header = model.ReportHeader{Datetime: "2026-03-01 08:00:00", Factory: "F01", Milling: "M1", StationID: "dump-01", Plate: "00-0000"}
	// A capture whose frame cannot be read is drawn like a missing one.
	rep.Tiles[0].Capture = &model.CaptureRecord{Slot: rep.Tiles[0].Slot, FrameReference: filepath.Join(t.TempDir(), "gone.jpg")}

	path := filepath.Join(t.TempDir(), "reports", "MERGED_dump-01_s-1.jpg")
	if err := NewRenderer(logger.Discard()).Render(context.Background(), rep, path); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		t.Fatal("Expected a readable report image")
	}
	if img.Cols() != CanvasWidth || img.Rows() != CanvasHeight {
		t.Errorf("Expected %dx%d image, got %dx%d", CanvasWidth, CanvasHeight, img.Cols(), img.Rows())
	}
}

func TestRender_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewRenderer(logger.Discard()).Render(ctx, fourTiles(), filepath.Join(t.TempDir(), "r.jpg")); err == nil {
		t.Error("Expected cancelled render to fail")
	}
}
