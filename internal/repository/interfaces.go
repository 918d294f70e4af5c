// Package repository defines the durable store behind the dump station
// engine. Implementations must keep every write atomic per call.
package repository

import (
	"context"
	"errors"
	"time"

	"canedump/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a uniqueness rule rejects a write, such as
	// a second capture for the same session slot or a second open session at
	// a station.
	ErrDuplicate = errors.New("duplicate record")
)

// SessionRepository defines the interface for dump session records.
type SessionRepository interface {
	// Create operations
	CreateSession(ctx context.Context, s *model.DumpSession) error

	// Update operations
	TouchSession(ctx context.Context, sessionID string, point model.StatePoint) error
	UpdatePlate(ctx context.Context, sessionID, plate string) error
	FinalizeSession(ctx context.Context, sessionID string, closedAt time.Time, complete bool) error
	AbandonSession(ctx context.Context, sessionID, reason string, closedAt time.Time) error

	// Read operations
	GetSession(ctx context.Context, sessionID string) (*model.DumpSession, error)
	ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.DumpSession, error)
	CountSessions(ctx context.Context, filter model.SessionFilter) (int, error)
	FindOpenSession(ctx context.Context, stationID string) (*model.DumpSession, error)
	FindStaleOpenSessions(ctx context.Context, lastActivityBefore time.Time) ([]model.DumpSession, error)
}

// CaptureRepository defines the interface for capture records.
type CaptureRepository interface {
	AppendCapture(ctx context.Context, c model.CaptureRecord) error
	GetCaptures(ctx context.Context, sessionID string) ([]model.CaptureRecord, error)
}

// StateLogRepository defines the interface for the append-only transition log.
type StateLogRepository interface {
	AppendLogEntry(ctx context.Context, e *model.StateLogEntry) error
	GetLogEntries(ctx context.Context, sessionID string) ([]model.StateLogEntry, error)
	GetStationLog(ctx context.Context, stationID string, limit int) ([]model.StateLogEntry, error)
}

// ReportRepository defines the interface for merged report records.
type ReportRepository interface {
	SaveReport(ctx context.Context, r model.MergedReport) error
	GetReport(ctx context.Context, sessionID string) (*model.MergedReport, error)
}

// Gateway is the whole persistence surface used by the engine.
type Gateway interface {
	SessionRepository
	CaptureRepository
	StateLogRepository
	ReportRepository
}
