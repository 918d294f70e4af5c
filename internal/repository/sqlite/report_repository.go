package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"canedump/internal/model"
	"canedump/internal/repository"
)

// ReportRepository implements repository.ReportRepository for SQLite.
type ReportRepository struct {
	db *DB
}

// NewReportRepository creates a new SQLite report repository.
func NewReportRepository(db *DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// SaveReport stores the merged report of a session. One report per session.
func (r *ReportRepository) SaveReport(ctx context.Context, rep model.MergedReport) error {
	header, err := json.Marshal(rep.Header)
	if err != nil {
		return fmt.Errorf("failed to encode report header: %w", err)
	}
	tiles, err := json.Marshal(rep.Tiles)
	if err != nil {
		return fmt.Errorf("failed to encode report tiles: %w", err)
	}

	r.db.Lock()
	defer r.db.Unlock()

	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO reports (session_id, layout, header, tiles, artifact_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rep.SessionID, string(rep.Layout), string(header), string(tiles), rep.ArtifactPath, utc(rep.CreatedAt))
	if err != nil {
		return mapError("failed to insert report", err)
	}
	return nil
}

// GetReport retrieves the merged report of a session.
func (r *ReportRepository) GetReport(ctx context.Context, sessionID string) (*model.MergedReport, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var rep model.MergedReport
	var layout, header, tiles string
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT session_id, layout, header, tiles, artifact_path, created_at
		FROM reports WHERE session_id = ?
	`, sessionID).Scan(&rep.SessionID, &layout, &header, &tiles, &rep.ArtifactPath, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s: %w", sessionID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	rep.Layout = model.ReportLayout(layout)
	if err := json.Unmarshal([]byte(header), &rep.Header); err != nil {
		return nil, fmt.Errorf("failed to decode report header: %w", err)
	}
	if err := json.Unmarshal([]byte(tiles), &rep.Tiles); err != nil {
		return nil, fmt.Errorf("failed to decode report tiles: %w", err)
	}
	return &rep, nil
}
