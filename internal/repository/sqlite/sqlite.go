package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"canedump/internal/repository"
)

// DB wraps the SQLite database connection with thread-safe access.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// New creates and initializes a new SQLite database connection.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		last_activity DATETIME NOT NULL,
		plate_text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		complete INTEGER NOT NULL DEFAULT 0,
		abandon_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS session_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		state TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		slot TEXT NOT NULL,
		camera_view TEXT NOT NULL,
		frame_reference TEXT NOT NULL,
		captured_at DATETIME NOT NULL,
		UNIQUE (session_id, slot),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS state_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		trigger_name TEXT NOT NULL DEFAULT '',
		signals TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY,
		layout TEXT NOT NULL,
		header TEXT NOT NULL,
		tiles TEXT NOT NULL,
		artifact_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_station ON sessions(station_id) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_sessions_station ON sessions(station_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_opened_at ON sessions(opened_at);
	CREATE INDEX IF NOT EXISTS idx_session_states_session ON session_states(session_id);
	CREATE INDEX IF NOT EXISTS idx_state_log_session ON state_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_state_log_station ON state_log(station_id, timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection for use by repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Lock acquires a write lock.
func (db *DB) Lock() {
	db.mu.Lock()
}

// Unlock releases the write lock.
func (db *DB) Unlock() {
	db.mu.Unlock()
}

// RLock acquires a read lock.
func (db *DB) RLock() {
	db.mu.RLock()
}

// RUnlock releases the read lock.
func (db *DB) RUnlock() {
	db.mu.RUnlock()
}

// Gateway implements repository.Gateway on one SQLite database.
type Gateway struct {
	*SessionRepository
	*CaptureRepository
	*StateLogRepository
	*ReportRepository
}

var _ repository.Gateway = (*Gateway)(nil)

// NewGateway bundles the per-table repositories of db.
func NewGateway(db *DB) *Gateway {
	return &Gateway{
		SessionRepository:  NewSessionRepository(db),
		CaptureRepository:  NewCaptureRepository(db),
		StateLogRepository: NewStateLogRepository(db),
		ReportRepository:   NewReportRepository(db),
	}
}

// mapError translates constraint violations into repository.ErrDuplicate.
func mapError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %w", op, repository.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// utc keeps stored timestamps comparable as text.
func utc(t time.Time) time.Time {
	return t.UTC()
}
