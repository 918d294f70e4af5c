package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"canedump/internal/model"
)

// StateLogRepository implements repository.StateLogRepository for SQLite.
type StateLogRepository struct {
	db *DB
}

// NewStateLogRepository creates a new SQLite state log repository.
func NewStateLogRepository(db *DB) *StateLogRepository {
	return &StateLogRepository{db: db}
}

// AppendLogEntry appends a transition and sets e.ID.
func (r *StateLogRepository) AppendLogEntry(ctx context.Context, e *model.StateLogEntry) error {
	signals, err := json.Marshal(e.TriggeringSignals)
	if err != nil {
		return fmt.Errorf("failed to encode triggering signals: %w", err)
	}

	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO state_log (station_id, session_id, from_state, to_state, timestamp, trigger_name, signals)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.StationID, e.SessionID, e.From.String(), e.To.String(), utc(e.Timestamp), e.Trigger, string(signals))
	if err != nil {
		return fmt.Errorf("failed to insert state log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read state log id: %w", err)
	}
	e.ID = id
	return nil
}

// GetLogEntries retrieves the transitions of a session in append order.
func (r *StateLogRepository) GetLogEntries(ctx context.Context, sessionID string) ([]model.StateLogEntry, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, station_id, session_id, from_state, to_state, timestamp, trigger_name, signals
		FROM state_log WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state log: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

// GetStationLog retrieves the latest transitions of a station, newest first.
func (r *StateLogRepository) GetStationLog(ctx context.Context, stationID string, limit int) ([]model.StateLogEntry, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, station_id, session_id, from_state, to_state, timestamp, trigger_name, signals
		FROM state_log WHERE station_id = ? ORDER BY id DESC LIMIT ?
	`, stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query station log: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

func scanLogEntries(rows *sql.Rows) ([]model.StateLogEntry, error) {
	var entries []model.StateLogEntry
	for rows.Next() {
		var e model.StateLogEntry
		var from, to, signals string
		if err := rows.Scan(&e.ID, &e.StationID, &e.SessionID, &from, &to, &e.Timestamp, &e.Trigger, &signals); err != nil {
			return nil, fmt.Errorf("failed to scan state log entry: %w", err)
		}
		if err := e.From.UnmarshalText([]byte(from)); err != nil {
			return nil, err
		}
		if err := e.To.UnmarshalText([]byte(to)); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(signals), &e.TriggeringSignals); err != nil {
			return nil, fmt.Errorf("failed to decode triggering signals: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
