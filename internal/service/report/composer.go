// Package report assembles the merged 2x2 report of a finalized session.
package report

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/observability"
	"canedump/internal/plate"
	"canedump/internal/repository"
)

const (
	// HeaderTimeFormat is the datetime layout printed in the report header.
	HeaderTimeFormat = "02012006-15:04:05"
	// UnknownPlate is printed when the session has no readable plate.
	UnknownPlate = "UNKNOWN"
)

var slotLabels = map[model.CaptureSlot]string{
	model.SlotLPRTimestamp: "IMAGE 1: LPR",
	model.SlotCaneFull:     "IMAGE 2: 100%",
	model.SlotCaneMid:      "IMAGE 3: 50%",
	model.SlotCaneLow:      "IMAGE 4: 25%",
}

// Label returns the tile caption of a slot.
func Label(slot model.CaptureSlot) string {
	return slotLabels[slot]
}

// Renderer writes the pixels of a merged report to path.
type Renderer interface {
	Render(ctx context.Context, rep model.MergedReport, path string) error
}

// Composer builds, renders and stores merged reports.
type Composer struct {
	gateway   repository.ReportRepository
	renderer  Renderer
	reportDir string
	factory   string
	milling   string
	logger    *logger.Logger
	metrics   *observability.Metrics
}

// NewComposer creates a Composer. A nil renderer stores reports without an
// artifact.
func NewComposer(gateway repository.ReportRepository, renderer Renderer, reportDir, factory, milling string, logger *logger.Logger, metrics *observability.Metrics) *Composer {
	return &Composer{
		gateway:   gateway,
		renderer:  renderer,
		reportDir: reportDir,
		factory:   factory,
		milling:   milling,
		logger:    logger,
		metrics:   metrics,
	}
}

// Layout orders captures into the four report tiles. Missing slots become
// placeholders; the earliest capture wins a slot filled twice.
func Layout(captures []model.CaptureRecord) []model.ReportTile {
	bySlot := make(map[model.CaptureSlot]model.CaptureRecord, len(captures))
	for _, c := range captures {
		if cur, ok := bySlot[c.Slot]; ok && !c.CapturedAt.Before(cur.CapturedAt) {
			continue
		}
		bySlot[c.Slot] = c
	}

	tiles := make([]model.ReportTile, 0, len(model.SlotOrder))
	for _, slot := range model.SlotOrder {
		tile := model.ReportTile{Slot: slot, Label: Label(slot)}
		if c, ok := bySlot[slot]; ok {
			c := c
			tile.Capture = &c
		}
		tiles = append(tiles, tile)
	}
	return tiles
}

// Compose builds the report of a session at time at, renders it and stores
// the record. A render failure leaves ArtifactPath empty but still stores
// the report.
func (c *Composer) Compose(ctx context.Context, session model.DumpSession, captures []model.CaptureRecord, at time.Time) (model.MergedReport, error) {
	header := model.ReportHeader{
		Datetime:  at.Format(HeaderTimeFormat),
		Factory:   c.factory,
		Milling:   c.milling,
		StationID: session.StationID,
		Plate:     UnknownPlate,
	}
	if plate.Readable(session.PlateText) {
		header.Plate = session.PlateText
	}

	rep := model.MergedReport{
		SessionID: session.ID,
		Tiles:     Layout(captures),
		Layout:    model.Layout2x2,
		Header:    header,
		CreatedAt: at,
	}

	if c.renderer != nil {
		path := filepath.Join(c.reportDir, ArtifactName(session))
		if err := c.renderer.Render(ctx, rep, path); err != nil {
			c.logger.Error("Failed to render report for session %s: %v", session.ID, err)
		} else {
			rep.ArtifactPath = path
		}
	}

	if err := c.gateway.SaveReport(ctx, rep); err != nil {
		return rep, fmt.Errorf("failed to save report: %w", err)
	}

	complete := Complete(rep.Tiles)
	c.metrics.Report(complete)
	c.logger.Info("Report for session %s at %s composed (complete=%v) %s", session.ID, session.StationID, complete, rep.ArtifactPath)
	return rep, nil
}

// Complete reports whether no tile is a placeholder.
func Complete(tiles []model.ReportTile) bool {
	for _, t := range tiles {
		if t.Placeholder() {
			return false
		}
	}
	return len(tiles) == len(model.SlotOrder)
}

// ArtifactName is the file name of a session's merged image.
func ArtifactName(s model.DumpSession) string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("MERGED_%s_%s.jpg", s.StationID, id)
}
