// Package imaging draws merged report images with OpenCV.
package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"canedump/internal/logger"
	"canedump/internal/model"
)

var (
	headerFill = color.RGBA{R: 40, G: 40, B: 40, A: 0}
	headerInk  = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	labelInk   = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	missingInk = color.RGBA{R: 100, G: 100, B: 100, A: 0}
)

// Renderer implements report.Renderer.
type Renderer struct {
	logger *logger.Logger
}

// NewRenderer creates a gocv report renderer.
func NewRenderer(logger *logger.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// Render draws the header band and the four tiles and writes a JPEG to path.
func (r *Renderer) Render(ctx context.Context, rep model.MergedReport, path string) error {
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), CanvasHeight, CanvasWidth, gocv.MatTypeCV8UC3)
	defer canvas.Close()

	if err := gocv.Rectangle(&canvas, image.Rect(0, 0, CanvasWidth, HeaderHeight), headerFill, -1); err != nil {
		return fmt.Errorf("failed to draw header: %v", err)
	}
	if err := gocv.PutText(&canvas, HeaderText(rep.Header), image.Pt(20, 60), gocv.FontHersheySimplex, 1.2, headerInk, 2); err != nil {
		return fmt.Errorf("failed to draw header text: %v", err)
	}

	for _, tile := range Plan(rep) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.drawCapture(&canvas, tile) {
			if err := gocv.PutText(&canvas, placeholderText, tile.PlaceholderAt(), gocv.FontHersheySimplex, 0.8, missingInk, 2); err != nil {
				return fmt.Errorf("failed to draw placeholder: %v", err)
			}
		}
		if err := gocv.PutText(&canvas, tile.Label, tile.LabelAt(), gocv.FontHersheySimplex, 0.7, labelInk, 2); err != nil {
			return fmt.Errorf("failed to draw label: %v", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if ok := gocv.IMWrite(path, canvas); !ok {
		return fmt.Errorf("failed to write report image %s", path)
	}
	return nil
}

// drawCapture copies the tile's capture into its area. It reports false when
// the tile has to be drawn as a placeholder.
func (r *Renderer) drawCapture(canvas *gocv.Mat, tile TilePlan) bool {
	if tile.Placeholder() {
		return false
	}

	img := gocv.IMRead(tile.Source, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		r.logger.Warning("Capture %s frame %s unreadable, drawing placeholder", tile.Label, tile.Source)
		return false
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(TileWidth, TileHeight), 0, 0, gocv.InterpolationLinear)

	roi := canvas.Region(tile.Rect)
	defer roi.Close()
	resized.CopyTo(&roi)
	return true
}
