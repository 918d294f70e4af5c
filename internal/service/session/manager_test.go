package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/repository"
	"canedump/internal/repository/sqlite"
	"canedump/internal/retry"
)

type fakeFlusher struct {
	flushed  []string
	released []string
}

func (f *fakeFlusher) Flush(ctx context.Context, sessionID string) error {
	f.flushed = append(f.flushed, sessionID)
	return nil
}

func (f *fakeFlusher) Release(sessionID string) { f.released = append(f.released, sessionID) }

type fakeComposer struct {
	calls    int
	captures int
}

func (c *fakeComposer) Compose(ctx context.Context, s model.DumpSession, captures []model.CaptureRecord, at time.Time) (model.MergedReport, error) {
	c.calls++
	c.captures = len(captures)
	return model.MergedReport{SessionID: s.ID, Layout: model.Layout2x2}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(ctx context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	gw        *sqlite.Gateway
	flusher   *fakeFlusher
	composer  *fakeComposer
	publisher *fakePublisher
	mgr       *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{gw: sqlite.NewGateway(db), flusher: &fakeFlusher{}, composer: &fakeComposer{}, publisher: &fakePublisher{}}
	f.mgr = f.newManager()
	return f
}

// newManager simulates a fresh process on the same database.
func (f *fixture) newManager() *Manager {
	opts := Options{
		Timeout:   15 * time.Minute,
		Policy:    retry.Policy{Retries: 1, Initial: time.Millisecond, MaxInterval: time.Millisecond},
		Publisher: f.publisher,
	}
	return NewManager(f.gw, f.flusher, f.composer, opts, logger.Discard(), nil)
}

func (f *fixture) addCapture(t *testing.T, sessionID string, slot model.CaptureSlot) {
	t.Helper()
	err := f.gw.AppendCapture(context.Background(), model.CaptureRecord{
		ID: sessionID + string(slot), SessionID: sessionID, Slot: slot, CameraView: slot.View(), FrameReference: "f", CapturedAt: t0,
	})
	if err != nil {
		t.Fatalf("AppendCapture failed: %v", err)
	}
}

// ========================================
// Lifecycle Tests
// ========================================

func TestOpen_OnePerStation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Open(ctx, "dump-01", t0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := f.mgr.Open(ctx, "dump-01", t0.Add(time.Second)); !errors.Is(err, ErrSessionOpen) {
		t.Errorf("Expected ErrSessionOpen, got %v", err)
	}
	if _, err := f.mgr.Open(ctx, "dump-02", t0); err != nil {
		t.Errorf("Expected other station to open, got %v", err)
	}

	cur, ok := f.mgr.Current("dump-01")
	if !ok || cur.ID != id {
		t.Fatalf("Expected current session %s, got %+v", id, cur)
	}
	if len(cur.StatePath) != 1 || cur.StatePath[0].State != model.TruckIn {
		t.Errorf("Expected path to start at TRUCK_IN, got %+v", cur.StatePath)
	}
}

func TestFinalize_FullCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.mgr.Open(ctx, "dump-01", t0)
	path := []model.StationState{model.DumpLift, model.DumpingActive, model.DumpingEmpty, model.DumpDown, model.TruckOut, model.EmptyReset}
	for i, st := range path {
		entry := model.StateLogEntry{StationID: "dump-01", SessionID: id, To: st, Timestamp: t0.Add(time.Duration(i+1) * time.Second)}
		if err := f.mgr.AppendTransition(ctx, id, entry); err != nil {
			t.Fatalf("AppendTransition %s failed: %v", st, err)
		}
	}
	if p, err := f.mgr.SetPlate(ctx, id, "7O-I234"); err != nil || p != "70-1234" {
		t.Fatalf("SetPlate returned %q, %v", p, err)
	}
	for _, slot := range model.SlotOrder {
		f.addCapture(t, id, slot)
	}

	s, err := f.mgr.Finalize(ctx, id, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if s.Status != model.SessionFinalized || !s.Complete {
		t.Errorf("Expected complete finalized session, got %s complete=%v", s.Status, s.Complete)
	}
	if len(f.flusher.flushed) != 1 || f.flusher.flushed[0] != id || len(f.flusher.released) != 1 {
		t.Errorf("Expected captures flushed and released once, got %v/%v", f.flusher.flushed, f.flusher.released)
	}
	if f.composer.calls != 1 || f.composer.captures != 4 {
		t.Errorf("Expected one report over 4 captures, got %d/%d", f.composer.calls, f.composer.captures)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != EventFinalized || f.publisher.events[0].Report == nil {
		t.Errorf("Expected finalized event with report, got %+v", f.publisher.events)
	}

	stored, err := f.gw.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(stored.StatePath) != 7 || stored.PlateText != "70-1234" || stored.Status != model.SessionFinalized {
		t.Errorf("Unexpected stored session %+v", stored)
	}
	if _, ok := f.mgr.Current("dump-01"); ok {
		t.Error("Finalized session must not be current")
	}
}

func TestFinalize_IncompleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.mgr.Open(ctx, "dump-01", t0)
	f.addCapture(t, id, model.SlotLPRTimestamp)
	f.addCapture(t, id, model.SlotCaneFull)

	s, err := f.mgr.Finalize(ctx, id, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if s.Complete {
		t.Error("Expected incomplete session")
	}
	if f.composer.calls != 1 {
		t.Error("Incomplete sessions still get a report")
	}
}

func TestClosedSession_RejectsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.mgr.Open(ctx, "dump-01", t0)
	if _, err := f.mgr.Finalize(ctx, id, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	entry := model.StateLogEntry{StationID: "dump-01", SessionID: id, To: model.EmptyIdle, Timestamp: t0.Add(2 * time.Minute)}
	if err := f.mgr.AppendTransition(ctx, id, entry); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on append, got %v", err)
	}
	if _, err := f.mgr.SetPlate(ctx, id, "701234"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on plate, got %v", err)
	}
	if _, err := f.mgr.Finalize(ctx, id, t0.Add(3*time.Minute)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on second finalize, got %v", err)
	}
	if err := f.mgr.Abandon(ctx, id, "late", t0.Add(3*time.Minute)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on abandon, got %v", err)
	}
}

func TestAbandon_NoReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.mgr.Open(ctx, "dump-01", t0)
	if err := f.mgr.Abandon(ctx, id, ReasonTimeout, t0.Add(16*time.Minute)); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if f.composer.calls != 0 {
		t.Error("Abandoned sessions must not be reported")
	}

	stored, _ := f.gw.GetSession(ctx, id)
	if stored.Status != model.SessionAbandoned || stored.AbandonReason != ReasonTimeout {
		t.Errorf("Unexpected stored session %+v", stored)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != EventAbandoned {
		t.Errorf("Expected abandoned event, got %+v", f.publisher.events)
	}

	// The station can open a new session right away.
	if _, err := f.mgr.Open(ctx, "dump-01", t0.Add(17*time.Minute)); err != nil {
		t.Errorf("Open after abandon failed: %v", err)
	}
}

func TestExpired(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Open(context.Background(), "dump-01", t0)

	tests := []struct {
		now      time.Time
		expected bool
	}{
		{t0.Add(time.Minute), false},
		{t0.Add(15 * time.Minute), false},
		{t0.Add(15*time.Minute + time.Second), true},
	}
	for _, tt := range tests {
		if got := f.mgr.Expired(id, tt.now); got != tt.expected {
			t.Errorf("Expired at %s: expected %v, got %v", tt.now.Sub(t0), tt.expected, got)
		}
	}
	if f.mgr.Expired("unknown", t0.Add(time.Hour)) {
		t.Error("Unknown session cannot expire")
	}
}

func TestExpired_StationOverride(t *testing.T) {
	f := newFixture(t)
	f.mgr.opts.StationTimeouts = map[string]time.Duration{"dump-02": 5 * time.Minute}
	ctx := context.Background()
	slow, _ := f.mgr.Open(ctx, "dump-01", t0)
	fast, _ := f.mgr.Open(ctx, "dump-02", t0)

	now := t0.Add(6 * time.Minute)
	if f.mgr.Expired(slow, now) {
		t.Error("Expected dump-01 to use the site timeout")
	}
	if !f.mgr.Expired(fast, now) {
		t.Error("Expected dump-02 to use its own timeout")
	}
}

// ========================================
// Restart Recovery Tests
// ========================================

func TestRecover_AbandonsStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.mgr.Open(ctx, "dump-01", t0)
	f.mgr.AppendTransition(ctx, id, model.StateLogEntry{To: model.DumpLift, Timestamp: t0.Add(10 * time.Second)})
	fresh, _ := f.mgr.Open(ctx, "dump-02", t0.Add(100*time.Second))

	// Process restarts.
	mgr := f.newManager()
	n, err := mgr.Recover(ctx, t0.Add(150*time.Second), 120*time.Second)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 recovered session, got %d", n)
	}

	stored, _ := f.gw.GetSession(ctx, id)
	if stored.Status != model.SessionAbandoned || stored.AbandonReason != ReasonRecovered {
		t.Errorf("Expected stale session abandoned, got %s/%s", stored.Status, stored.AbandonReason)
	}
	if stored, _ := f.gw.GetSession(ctx, fresh); stored.Status != model.SessionOpen {
		t.Errorf("Expected recent session left open, got %s", stored.Status)
	}

	// Recovered sessions are never resumed by the new process.
	if err := mgr.AppendTransition(ctx, id, model.StateLogEntry{To: model.DumpingActive, Timestamp: t0.Add(151 * time.Second)}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed for a recovered session, got %v", err)
	}
}

func TestOpen_SupersedesOrphanAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan, _ := f.mgr.Open(ctx, "dump-01", t0)

	mgr := f.newManager()
	if n, _ := mgr.Recover(ctx, t0.Add(10*time.Second), 120*time.Second); n != 0 {
		t.Fatalf("Expected no stale sessions, got %d", n)
	}
	if err := mgr.AppendTransition(ctx, orphan, model.StateLogEntry{To: model.DumpLift, Timestamp: t0.Add(11 * time.Second)}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected orphan to be rejected, got %v", err)
	}

	id, err := mgr.Open(ctx, "dump-01", t0.Add(20*time.Second))
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}
	if id == orphan {
		t.Fatal("Orphaned session must not be resumed")
	}

	stored, _ := f.gw.GetSession(ctx, orphan)
	if stored.Status != model.SessionAbandoned || stored.AbandonReason != ReasonSuperseded {
		t.Errorf("Expected orphan abandoned, got %s/%s", stored.Status, stored.AbandonReason)
	}
	open, err := f.gw.ListSessions(ctx, model.SessionFilter{StationID: "dump-01", Status: model.SessionOpen})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != id {
		t.Errorf("Expected exactly one open session, got %+v", open)
	}
}

// ========================================
// Station Isolation Tests
// ========================================

// stallingGateway holds TouchSession of one session until released.
type stallingGateway struct {
	repository.Gateway
	stall   string
	entered chan struct{}
	release chan struct{}
}

func (g *stallingGateway) TouchSession(ctx context.Context, sessionID string, point model.StatePoint) error {
	if sessionID == g.stall {
		close(g.entered)
		<-g.release
	}
	return g.Gateway.TouchSession(ctx, sessionID, point)
}

func TestSlowStationDoesNotStallOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gw := &stallingGateway{Gateway: f.gw, entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewManager(gw, f.flusher, f.composer, Options{Timeout: 15 * time.Minute, Policy: retry.Policy{Retries: 1, Initial: time.Millisecond, MaxInterval: time.Millisecond}}, logger.Discard(), nil)

	idA, err := mgr.Open(ctx, "dump-01", t0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	idB, err := mgr.Open(ctx, "dump-02", t0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	gw.stall = idA

	stalled := make(chan error, 1)
	go func() {
		stalled <- mgr.AppendTransition(ctx, idA, model.StateLogEntry{To: model.DumpLift, Timestamp: t0.Add(time.Second)})
	}()
	<-gw.entered

	done := make(chan error, 1)
	go func() {
		if mgr.Expired(idB, t0.Add(time.Minute)) {
			done <- errors.New("session unexpectedly expired")
			return
		}
		if err := mgr.AppendTransition(ctx, idB, model.StateLogEntry{To: model.DumpLift, Timestamp: t0.Add(time.Second)}); err != nil {
			done <- err
			return
		}
		_, err := mgr.Open(ctx, "dump-03", t0)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected station B to proceed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Station B was blocked by the stalled write of station A")
	}

	close(gw.release)
	if err := <-stalled; err != nil {
		t.Errorf("Expected stalled append to complete, got %v", err)
	}
	if cur, _ := mgr.Current("dump-01"); len(cur.StatePath) != 2 {
		t.Errorf("Expected 2 state points at dump-01, got %d", len(cur.StatePath))
	}
}
