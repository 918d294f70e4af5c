package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"canedump/internal/model"
	"canedump/internal/repository"
)

// SessionRepository implements repository.SessionRepository for SQLite.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SQLite session repository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, station_id, opened_at, closed_at, last_activity, plate_text, status, complete, abandon_reason`

// CreateSession inserts an open session and its initial state path.
func (r *SessionRepository) CreateSession(ctx context.Context, s *model.DumpSession) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, station_id, opened_at, last_activity, plate_text, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.StationID, utc(s.OpenedAt), utc(s.LastActivity), s.PlateText, model.SessionOpen); err != nil {
		return mapError("failed to insert session", err)
	}

	for _, p := range s.StatePath {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_states (session_id, state, timestamp) VALUES (?, ?, ?)
		`, s.ID, p.State.String(), utc(p.Timestamp)); err != nil {
			return fmt.Errorf("failed to insert state point: %w", err)
		}
	}

	return tx.Commit()
}

// TouchSession appends a state point and advances last_activity.
func (r *SessionRepository) TouchSession(ctx context.Context, sessionID string, point model.StatePoint) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ? WHERE id = ? AND status = ?
	`, utc(point.Timestamp), sessionID, model.SessionOpen)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if err := expectOne(res, sessionID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_states (session_id, state, timestamp) VALUES (?, ?, ?)
	`, sessionID, point.State.String(), utc(point.Timestamp)); err != nil {
		return fmt.Errorf("failed to insert state point: %w", err)
	}

	return tx.Commit()
}

// UpdatePlate records the normalised plate text of an open session.
func (r *SessionRepository) UpdatePlate(ctx context.Context, sessionID, plate string) error {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE sessions SET plate_text = ? WHERE id = ? AND status = ?
	`, plate, sessionID, model.SessionOpen)
	if err != nil {
		return fmt.Errorf("failed to update plate: %w", err)
	}
	return expectOne(res, sessionID)
}

// FinalizeSession closes an open session as finalized.
func (r *SessionRepository) FinalizeSession(ctx context.Context, sessionID string, closedAt time.Time, complete bool) error {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?, last_activity = ?, complete = ?
		WHERE id = ? AND status = ?
	`, model.SessionFinalized, utc(closedAt), utc(closedAt), complete, sessionID, model.SessionOpen)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	return expectOne(res, sessionID)
}

// AbandonSession closes an open session as abandoned.
func (r *SessionRepository) AbandonSession(ctx context.Context, sessionID, reason string, closedAt time.Time) error {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?, abandon_reason = ?
		WHERE id = ? AND status = ?
	`, model.SessionAbandoned, utc(closedAt), reason, sessionID, model.SessionOpen)
	if err != nil {
		return fmt.Errorf("failed to abandon session: %w", err)
	}
	return expectOne(res, sessionID)
}

// GetSession retrieves a session with its state path.
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*model.DumpSession, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	s, err := scanSession(r.db.Conn().QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, sessionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	path, err := r.statePath(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.StatePath = path
	return s, nil
}

// FindOpenSession returns the open session of a station, or ErrNotFound.
func (r *SessionRepository) FindOpenSession(ctx context.Context, stationID string) (*model.DumpSession, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	s, err := scanSession(r.db.Conn().QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE station_id = ? AND status = ?
	`, stationID, model.SessionOpen))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("open session at %s: %w", stationID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return s, nil
}

// FindStaleOpenSessions lists open sessions idle since before the cutoff.
func (r *SessionRepository) FindStaleOpenSessions(ctx context.Context, lastActivityBefore time.Time) ([]model.DumpSession, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND last_activity < ?
		ORDER BY opened_at
	`, model.SessionOpen, utc(lastActivityBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListSessions retrieves sessions based on filter criteria.
func (r *SessionRepository) ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.DumpSession, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := sessionWhere(filter)
	query := `SELECT ` + sessionColumns + ` FROM sessions` + where + ` ORDER BY opened_at DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// CountSessions returns the total count of sessions matching the filter.
func (r *SessionRepository) CountSessions(ctx context.Context, filter model.SessionFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := sessionWhere(filter)
	var count int
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (r *SessionRepository) statePath(ctx context.Context, sessionID string) ([]model.StatePoint, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT state, timestamp FROM session_states WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state path: %w", err)
	}
	defer rows.Close()

	var path []model.StatePoint
	for rows.Next() {
		var name string
		var p model.StatePoint
		if err := rows.Scan(&name, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan state point: %w", err)
		}
		if err := p.State.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		path = append(path, p)
	}
	return path, rows.Err()
}

func sessionWhere(filter model.SessionFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if filter.StationID != "" {
		where += " AND station_id = ?"
		args = append(args, filter.StationID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.OpenedAfter.IsZero() {
		where += " AND opened_at >= ?"
		args = append(args, utc(filter.OpenedAfter))
	}
	if !filter.OpenedBefore.IsZero() {
		where += " AND opened_at < ?"
		args = append(args, utc(filter.OpenedBefore))
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.DumpSession, error) {
	var s model.DumpSession
	var closedAt sql.NullTime
	var status string
	if err := row.Scan(&s.ID, &s.StationID, &s.OpenedAt, &closedAt, &s.LastActivity,
		&s.PlateText, &status, &s.Complete, &s.AbandonReason); err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]model.DumpSession, error) {
	var sessions []model.DumpSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func expectOne(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("open session %s: %w", sessionID, repository.ErrNotFound)
	}
	return nil
}
