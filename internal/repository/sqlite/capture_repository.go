package sqlite

import (
	"context"
	"fmt"

	"canedump/internal/model"
)

// CaptureRepository implements repository.CaptureRepository for SQLite.
type CaptureRepository struct {
	db *DB
}

// NewCaptureRepository creates a new SQLite capture repository.
func NewCaptureRepository(db *DB) *CaptureRepository {
	return &CaptureRepository{db: db}
}

// AppendCapture stores a capture. A second capture for the same session slot
// fails with repository.ErrDuplicate.
func (r *CaptureRepository) AppendCapture(ctx context.Context, c model.CaptureRecord) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO captures (id, session_id, slot, camera_view, frame_reference, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, string(c.Slot), string(c.CameraView), c.FrameReference, utc(c.CapturedAt))
	if err != nil {
		return mapError("failed to insert capture", err)
	}
	return nil
}

// GetCaptures retrieves all captures of a session in capture order.
func (r *CaptureRepository) GetCaptures(ctx context.Context, sessionID string) ([]model.CaptureRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, session_id, slot, camera_view, frame_reference, captured_at
		FROM captures WHERE session_id = ? ORDER BY captured_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var captures []model.CaptureRecord
	for rows.Next() {
		var c model.CaptureRecord
		var slot, view string
		if err := rows.Scan(&c.ID, &c.SessionID, &slot, &view, &c.FrameReference, &c.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		c.Slot = model.CaptureSlot(slot)
		c.CameraView = model.CameraView(view)
		captures = append(captures, c)
	}
	return captures, rows.Err()
}
