// Package session owns the open/finalized/abandoned lifecycle of dump
// sessions. At most one session is open per station.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/observability"
	"canedump/internal/plate"
	"canedump/internal/repository"
	"canedump/internal/retry"
)

var (
	// ErrSessionOpen is returned when the station already has an open session.
	ErrSessionOpen = errors.New("station already has an open session")
	// ErrSessionClosed is returned for any write to a finalized or abandoned session.
	ErrSessionClosed = errors.New("session is closed")
)

// Abandon reasons.
const (
	ReasonTimeout       = "session_timeout"
	ReasonWorkerStopped = "worker_stopped"
	ReasonRecovered     = "stale_after_restart"
	ReasonSuperseded    = "orphaned_by_restart"
)

// Event types published on session close.
const (
	EventFinalized = "session.finalized"
	EventAbandoned = "session.abandoned"
)

// Event is a session lifecycle notification for downstream consumers.
type Event struct {
	Type     string                `json:"type"`
	Session  model.DumpSession     `json:"session"`
	Captures []model.CaptureRecord `json:"captures,omitempty"`
	Report   *model.MergedReport   `json:"report,omitempty"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// CaptureFlusher is the part of the capture controller the manager needs.
type CaptureFlusher interface {
	Flush(ctx context.Context, sessionID string) error
	Release(sessionID string)
}

// Composer builds the merged report of a finalized session.
type Composer interface {
	Compose(ctx context.Context, s model.DumpSession, captures []model.CaptureRecord, at time.Time) (model.MergedReport, error)
}

// Options configures a Manager.
type Options struct {
	Timeout   time.Duration // maximum open duration of a session
	Policy    retry.Policy
	Publisher Publisher // optional

	// StationTimeouts overrides Timeout per station id.
	StationTimeouts map[string]time.Duration
}

// Manager tracks the open session of every station.
type Manager struct {
	gateway  repository.Gateway
	captures CaptureFlusher
	composer Composer
	opts     Options
	logger   *logger.Logger
	metrics  *observability.Metrics

	// mu guards the tables only. Gateway and publisher calls are made
	// without it, so one station's slow write never stalls another.
	mu        sync.Mutex
	byStation map[string]*model.DumpSession
	byID      map[string]*model.DumpSession
	opening   map[string]bool
}

// NewManager creates a session Manager.
func NewManager(gateway repository.Gateway, captures CaptureFlusher, composer Composer, opts Options, logger *logger.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		gateway:   gateway,
		captures:  captures,
		composer:  composer,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		byStation: make(map[string]*model.DumpSession),
		byID:      make(map[string]*model.DumpSession),
		opening:   make(map[string]bool),
	}
}

// Open starts a session at stationID. The session's state path begins at
// TRUCK_IN.
func (m *Manager) Open(ctx context.Context, stationID string, openedAt time.Time) (string, error) {
	if err := m.reserve(stationID); err != nil {
		return "", err
	}
	defer m.release(stationID)

	s := &model.DumpSession{
		ID:           uuid.NewString(),
		StationID:    stationID,
		OpenedAt:     openedAt,
		LastActivity: openedAt,
		StatePath:    []model.StatePoint{{State: model.TruckIn, Timestamp: openedAt}},
		Status:       model.SessionOpen,
	}

	err := m.create(ctx, s)
	if errors.Is(err, repository.ErrDuplicate) {
		// Nothing in memory owns the durable open session, so it was left by
		// an earlier process. It is closed rather than adopted.
		if err = m.abandonOrphan(ctx, stationID, openedAt); err == nil {
			err = m.create(ctx, s)
		}
	}
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", fmt.Errorf("station %s: %w", stationID, ErrSessionOpen)
		}
		return "", fmt.Errorf("failed to open session: %w", err)
	}

	m.mu.Lock()
	m.byStation[stationID] = s
	m.byID[s.ID] = s
	m.mu.Unlock()

	m.metrics.SessionOpened(stationID)
	m.logger.Info("Session %s opened at %s", s.ID, stationID)
	return s.ID, nil
}

// reserve claims stationID for an Open in progress.
func (m *Manager) reserve(stationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byStation[stationID]; ok {
		return fmt.Errorf("station %s has session %s: %w", stationID, cur.ID, ErrSessionOpen)
	}
	if m.opening[stationID] {
		return fmt.Errorf("station %s is opening a session: %w", stationID, ErrSessionOpen)
	}
	m.opening[stationID] = true
	return nil
}

func (m *Manager) release(stationID string) {
	m.mu.Lock()
	delete(m.opening, stationID)
	m.mu.Unlock()
}

func (m *Manager) create(ctx context.Context, s *model.DumpSession) error {
	_, err := retry.Do(ctx, m.opts.Policy, func() error {
		return permanentIf(m.gateway.CreateSession(ctx, s), repository.ErrDuplicate)
	})
	return err
}

func (m *Manager) abandonOrphan(ctx context.Context, stationID string, at time.Time) error {
	orphan, err := m.gateway.FindOpenSession(ctx, stationID)
	if err != nil {
		return err
	}
	if err := m.gateway.AbandonSession(ctx, orphan.ID, ReasonSuperseded, at); err != nil {
		return err
	}
	orphan.Status = model.SessionAbandoned
	orphan.AbandonReason = ReasonSuperseded
	orphan.ClosedAt = &at
	m.metrics.SessionRecovered(stationID)
	m.logger.Warning("Session %s at %s was left open by an earlier run, abandoned", orphan.ID, stationID)
	m.publish(ctx, Event{Type: EventAbandoned, Session: *orphan})
	return nil
}

// AppendTransition extends the state path of an open session.
func (m *Manager) AppendTransition(ctx context.Context, sessionID string, entry model.StateLogEntry) error {
	s, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}

	point := model.StatePoint{State: entry.To, Timestamp: entry.Timestamp}
	if _, err := retry.Do(ctx, m.opts.Policy, func() error {
		return permanentIf(m.gateway.TouchSession(ctx, sessionID, point), repository.ErrNotFound)
	}); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	m.mu.Lock()
	s.StatePath = append(s.StatePath, point)
	s.LastActivity = entry.Timestamp
	m.mu.Unlock()
	return nil
}

// SetPlate records the normalised plate reading of an open session. An
// unreadable plate is ignored.
func (m *Manager) SetPlate(ctx context.Context, sessionID, raw string) (string, error) {
	p := plate.Normalize(raw)
	if !plate.Readable(p) {
		return "", nil
	}

	s, err := m.lookup(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if _, err := retry.Do(ctx, m.opts.Policy, func() error {
		return permanentIf(m.gateway.UpdatePlate(ctx, sessionID, p), repository.ErrNotFound)
	}); err != nil {
		return "", fmt.Errorf("failed to update plate: %w", err)
	}
	m.mu.Lock()
	s.PlateText = p
	m.mu.Unlock()
	return p, nil
}

// Finalize closes the session, waits for its capture writes, composes the
// merged report and publishes the finalized event.
func (m *Manager) Finalize(ctx context.Context, sessionID string, at time.Time) (model.DumpSession, error) {
	s, err := m.detach(ctx, sessionID)
	if err != nil {
		return model.DumpSession{}, err
	}
	defer m.captures.Release(sessionID)

	if err := m.captures.Flush(ctx, sessionID); err != nil {
		m.logger.Warning("Session %s finalized with capture writes pending: %v", sessionID, err)
	}

	captures, err := m.gateway.GetCaptures(ctx, sessionID)
	if err != nil {
		m.logger.Error("Failed to read captures of session %s: %v", sessionID, err)
	}
	s.Complete = completeSlots(captures)

	if _, err := retry.Do(ctx, m.opts.Policy, func() error {
		return permanentIf(m.gateway.FinalizeSession(ctx, sessionID, at, s.Complete), repository.ErrNotFound)
	}); err != nil {
		return *s, fmt.Errorf("failed to finalize session: %w", err)
	}
	s.Status = model.SessionFinalized
	s.ClosedAt = &at
	s.LastActivity = at
	m.metrics.SessionClosed(s.StationID, "finalized")
	m.logger.Info("Session %s at %s finalized (complete=%v, %d captures)", s.ID, s.StationID, s.Complete, len(captures))

	ev := Event{Type: EventFinalized, Session: *s, Captures: captures}
	if m.composer != nil {
		rep, err := m.composer.Compose(ctx, *s, captures, at)
		if err != nil {
			m.logger.Error("Failed to compose report for session %s: %v", s.ID, err)
		} else {
			ev.Report = &rep
		}
	}
	m.publish(ctx, ev)
	return *s, nil
}

// Abandon closes the session without a report.
func (m *Manager) Abandon(ctx context.Context, sessionID, reason string, at time.Time) error {
	s, err := m.detach(ctx, sessionID)
	if err != nil {
		return err
	}
	defer m.captures.Release(sessionID)

	if err := m.captures.Flush(ctx, sessionID); err != nil {
		m.logger.Warning("Session %s abandoned with capture writes pending: %v", sessionID, err)
	}

	if _, err := retry.Do(ctx, m.opts.Policy, func() error {
		return permanentIf(m.gateway.AbandonSession(ctx, sessionID, reason, at), repository.ErrNotFound)
	}); err != nil {
		return fmt.Errorf("failed to abandon session: %w", err)
	}
	s.Status = model.SessionAbandoned
	s.AbandonReason = reason
	s.ClosedAt = &at
	m.metrics.SessionClosed(s.StationID, "abandoned")
	m.logger.Warning("Session %s at %s abandoned: %s", s.ID, s.StationID, reason)

	m.publish(ctx, Event{Type: EventAbandoned, Session: *s})
	return nil
}

// Expired reports whether the open session has exceeded the maximum duration.
func (m *Manager) Expired(sessionID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return false
	}
	timeout := m.opts.Timeout
	if d, ok := m.opts.StationTimeouts[s.StationID]; ok {
		timeout = d
	}
	return timeout > 0 && now.Sub(s.OpenedAt) > timeout
}

// Current returns a copy of the open session of a station.
func (m *Manager) Current(stationID string) (model.DumpSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byStation[stationID]
	if !ok {
		return model.DumpSession{}, false
	}
	cp := *s
	cp.StatePath = append([]model.StatePoint(nil), s.StatePath...)
	return cp, true
}

// Recover abandons every durable open session with no activity for longer
// than threshold. Recovered sessions are never resumed. It returns the
// number of abandoned sessions.
func (m *Manager) Recover(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	stale, err := m.gateway.FindStaleOpenSessions(ctx, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to find stale sessions: %w", err)
	}

	recovered := 0
	for _, s := range stale {
		if err := m.gateway.AbandonSession(ctx, s.ID, ReasonRecovered, now); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return recovered, fmt.Errorf("failed to abandon stale session %s: %w", s.ID, err)
		}
		s.Status = model.SessionAbandoned
		s.AbandonReason = ReasonRecovered
		s.ClosedAt = &now
		recovered++
		m.metrics.SessionRecovered(s.StationID)
		m.logger.Warning("Session %s at %s idle since %s, abandoned on recovery", s.ID, s.StationID, s.LastActivity.Format(time.RFC3339))
		m.publish(ctx, Event{Type: EventAbandoned, Session: s})
	}
	return recovered, nil
}

// detach removes an open session from the in-memory tables so that no new
// writes are accepted for it. The detached record belongs to the caller.
func (m *Manager) detach(ctx context.Context, sessionID string) (*model.DumpSession, error) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
		delete(m.byStation, s.StationID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, m.notOwned(ctx, sessionID)
	}
	return s, nil
}

// lookup returns the in-memory record of an open session. A record is only
// written by the worker of its station.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*model.DumpSession, error) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	m.mu.Unlock()

	if !ok {
		return nil, m.notOwned(ctx, sessionID)
	}
	return s, nil
}

// notOwned explains why sessionID has no in-memory record.
func (m *Manager) notOwned(ctx context.Context, sessionID string) error {
	s, err := m.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	if s.IsClosed() {
		return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, ErrSessionClosed)
	}
	// Open in the store but not owned by this process.
	return fmt.Errorf("session %s is not owned by this process: %w", sessionID, ErrSessionClosed)
}

func (m *Manager) publish(ctx context.Context, e Event) {
	if m.opts.Publisher == nil {
		return
	}
	if err := m.opts.Publisher.Publish(ctx, e); err != nil {
		m.logger.Warning("Failed to publish %s for session %s: %v", e.Type, e.Session.ID, err)
	}
}

func completeSlots(captures []model.CaptureRecord) bool {
	seen := make(map[model.CaptureSlot]bool, len(captures))
	for _, c := range captures {
		seen[c.Slot] = true
	}
	for _, slot := range model.SlotOrder {
		if !seen[slot] {
			return false
		}
	}
	return true
}

func permanentIf(err, target error) error {
	if err != nil && errors.Is(err, target) {
		return retry.Permanent(err)
	}
	return err
}
