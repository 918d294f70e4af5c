package station

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"canedump/internal/aggregator"
	"canedump/internal/fsm"
	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/service/capture"
	"canedump/internal/service/session"
)

// ========================================
// Fakes
// ========================================

type fakeSessions struct {
	mu        sync.Mutex
	seq       int
	open      map[string]string // station -> session
	openedAt  map[string]time.Time
	timeout   time.Duration
	failOpen  error
	rejected  int
	opened    []string
	finalized []string
	abandoned map[string]string // session -> reason
	appended  map[string][]model.StationState
	plates    map[string]string
	maxOpen   int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		open:      make(map[string]string),
		openedAt:  make(map[string]time.Time),
		abandoned: make(map[string]string),
		appended:  make(map[string][]model.StationState),
		plates:    make(map[string]string),
	}
}

func (f *fakeSessions) Open(ctx context.Context, stationID string, openedAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen != nil {
		return "", f.failOpen
	}
	if _, ok := f.open[stationID]; ok {
		f.rejected++
		return "", session.ErrSessionOpen
	}
	f.seq++
	id := fmt.Sprintf("s-%d", f.seq)
	f.open[stationID] = id
	f.openedAt[id] = openedAt
	f.opened = append(f.opened, id)
	if len(f.open) > f.maxOpen {
		f.maxOpen = len(f.open)
	}
	return id, nil
}

func (f *fakeSessions) isOpen(id string) bool {
	for _, cur := range f.open {
		if cur == id {
			return true
		}
	}
	return false
}

func (f *fakeSessions) close(id string) {
	for st, cur := range f.open {
		if cur == id {
			delete(f.open, st)
		}
	}
}

func (f *fakeSessions) AppendTransition(ctx context.Context, id string, e model.StateLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpen(id) {
		return session.ErrSessionClosed
	}
	f.appended[id] = append(f.appended[id], e.To)
	return nil
}

func (f *fakeSessions) SetPlate(ctx context.Context, id, raw string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plates[id] = raw
	return raw, nil
}

func (f *fakeSessions) Finalize(ctx context.Context, id string, at time.Time) (model.DumpSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpen(id) {
		return model.DumpSession{}, session.ErrSessionClosed
	}
	f.close(id)
	f.finalized = append(f.finalized, id)
	return model.DumpSession{ID: id, Status: model.SessionFinalized}, nil
}

func (f *fakeSessions) Abandon(ctx context.Context, id, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpen(id) {
		return session.ErrSessionClosed
	}
	f.close(id)
	f.abandoned[id] = reason
	return nil
}

func (f *fakeSessions) Expired(id string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeout > 0 && f.isOpen(id) && now.Sub(f.openedAt[id]) > f.timeout
}

type intent struct {
	session string
	slot    model.CaptureSlot
}

type fakeCaptures struct {
	mu      sync.Mutex
	intents []intent
	seen    map[intent]bool
}

func (f *fakeCaptures) OnIntent(ctx context.Context, sessionID string, slot model.CaptureSlot, obs aggregator.Observation) (model.CaptureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[intent]bool)
	}
	key := intent{sessionID, slot}
	if f.seen[key] {
		return model.CaptureRecord{}, capture.ErrSuppressed
	}
	f.seen[key] = true
	f.intents = append(f.intents, key)
	return model.CaptureRecord{SessionID: sessionID, Slot: slot}, nil
}

type fakeAudit struct {
	mu        sync.Mutex
	entries   []model.StateLogEntry
	anomalies int
	repeats   int
	noData    []aggregator.Reason
}

func (f *fakeAudit) Record(ctx context.Context, e *model.StateLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) Anomaly(stationID string, state model.StationState, obs aggregator.Observation, guards string) {
	f.anomalies++
}

func (f *fakeAudit) AnomalyRepeats(stationID string, state model.StationState, guards string, repeats int) {
	f.repeats += repeats
}

func (f *fakeAudit) NoData(stationID string, state model.StationState, reason aggregator.Reason) {
	f.noData = append(f.noData, reason)
}

// ========================================
// Helpers
// ========================================

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	w        *Worker
	sessions *fakeSessions
	captures *fakeCaptures
	audit    *fakeAudit
	now      time.Time
}

func newHarness() *harness {
	h := &harness{sessions: newFakeSessions(), captures: &fakeCaptures{}, audit: &fakeAudit{}, now: t0}
	cfg := Config{StationID: "dump-01", Tolerance: 1500 * time.Millisecond, Bands: fsm.DefaultBands(), EvaluationTimeout: 10 * time.Millisecond}
	h.w = New(cfg, h.sessions, h.captures, h.audit, logger.Discard(), nil)
	return h
}

func front(at time.Time, truck bool, plate string) model.DetectionSignal {
	return model.DetectionSignal{StationID: "dump-01", CameraView: model.ViewFront, Timestamp: at,
		Front: &model.FrontAttributes{TruckPresent: truck, PlateText: plate}}
}

func top(at time.Time, cane float64, phase model.DumpPhase) model.DetectionSignal {
	return model.DetectionSignal{StationID: "dump-01", CameraView: model.ViewTop, Timestamp: at,
		Top: &model.TopAttributes{CaneCoveragePct: cane, DumpPhaseHint: phase}}
}

// observe delivers a fresh front and top pair and evaluates once.
func (h *harness) observe(truck bool, cane float64, phase model.DumpPhase) fsm.Outcome {
	return h.observePlate(truck, "", cane, phase)
}

func (h *harness) observePlate(truck bool, plate string, cane float64, phase model.DumpPhase) fsm.Outcome {
	h.now = h.now.Add(500 * time.Millisecond)
	h.w.agg.Offer(front(h.now, truck, plate), h.now)
	tp := top(h.now, cane, phase)
	return h.w.Step(context.Background(), &tp, h.now)
}

type frame struct {
	truck bool
	cane  float64
	phase model.DumpPhase
}

var fullDump = []frame{
	{false, 0, model.PhaseNone},
	{true, 5, model.PhaseNone},
	{true, 100, model.PhaseLifting},
	{true, 52, model.PhaseDumping},
	{true, 24, model.PhaseDumping},
	{true, 0, model.PhaseLiftMax},
	{true, 0, model.PhaseLowering},
	{true, 0, model.PhaseNone},
	{false, 0, model.PhaseNone},
	{false, 0, model.PhaseNone},
}

func (h *harness) play(frames []frame) {
	for _, f := range frames {
		h.observe(f.truck, f.cane, f.phase)
	}
}

func states(entries []model.StateLogEntry) []model.StationState {
	out := make([]model.StationState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.To)
	}
	return out
}

func equalStates(a, b []model.StationState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ========================================
// Lifecycle Tests
// ========================================

func TestWorker_FullDumpCycle(t *testing.T) {
	h := newHarness()
	h.play(fullDump)

	expected := []model.StationState{
		model.TruckIn, model.DumpLift, model.DumpingActive, model.DumpingActive, model.DumpingEmpty,
		model.DumpDown, model.TruckOut, model.EmptyReset, model.EmptyIdle,
	}
	if got := states(h.audit.entries); !equalStates(got, expected) {
		t.Fatalf("Expected transitions %v, got %v", expected, got)
	}

	if len(h.sessions.opened) != 1 || len(h.sessions.finalized) != 1 || h.sessions.finalized[0] != "s-1" {
		t.Fatalf("Expected one opened and finalized session, got %v / %v", h.sessions.opened, h.sessions.finalized)
	}
	// The path after TRUCK_IN up to EMPTY_RESET belongs to the session.
	if got := h.sessions.appended["s-1"]; len(got) != 7 || got[6] != model.EmptyReset {
		t.Errorf("Expected 7 appended transitions ending at EMPTY_RESET, got %v", got)
	}
	last := h.audit.entries[len(h.audit.entries)-1]
	if last.SessionID != "" {
		t.Errorf("EMPTY_RESET -> EMPTY_IDLE must not belong to a session, got %s", last.SessionID)
	}
	if len(h.audit.entries[0].TriggeringSignals) != 2 {
		t.Errorf("Expected triggering signals on entries, got %d", len(h.audit.entries[0].TriggeringSignals))
	}

	expectedSlots := []model.CaptureSlot{model.SlotLPRTimestamp, model.SlotCaneFull, model.SlotCaneMid, model.SlotCaneLow}
	if len(h.captures.intents) != 4 {
		t.Fatalf("Expected 4 capture intents, got %v", h.captures.intents)
	}
	for i, in := range h.captures.intents {
		if in.slot != expectedSlots[i] || in.session != "s-1" {
			t.Errorf("Intent %d: expected %s for s-1, got %+v", i, expectedSlots[i], in)
		}
	}

	snap := h.w.Snapshot()
	if snap.State != "EMPTY_IDLE" || snap.SessionID != "" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestWorker_TwoCyclesTwoSessions(t *testing.T) {
	h := newHarness()
	h.play(fullDump)
	h.play(fullDump)

	if len(h.sessions.finalized) != 2 || h.sessions.finalized[1] != "s-2" {
		t.Fatalf("Expected two finalized sessions, got %v", h.sessions.finalized)
	}
	if len(h.captures.intents) != 8 {
		t.Errorf("Expected 8 capture intents, got %d", len(h.captures.intents))
	}
}

func TestWorker_PlateRecorded(t *testing.T) {
	h := newHarness()
	h.observe(false, 0, model.PhaseNone)
	h.observePlate(true, "70-1234", 5, model.PhaseNone)

	if h.sessions.plates["s-1"] != "70-1234" {
		t.Errorf("Expected plate recorded, got %q", h.sessions.plates["s-1"])
	}
}

// ========================================
// Degradation Tests
// ========================================

func TestWorker_StaleFrontHoldsState(t *testing.T) {
	h := newHarness()
	h.play(fullDump[:3]) // DUMP_LIFT

	// The front camera stops for three staleness windows while the top
	// camera keeps reporting the lift.
	frontAt := h.now
	for i := 0; i < 9; i++ {
		h.now = h.now.Add(500 * time.Millisecond)
		tp := top(h.now, 100, model.PhaseLifting)
		out := h.w.Step(context.Background(), &tp, h.now)
		if h.now.Sub(frontAt) > 1500*time.Millisecond && out.Kind != fsm.KindNoData {
			t.Fatalf("Expected no reliable data at +%s, got %s", h.now.Sub(frontAt), out.Kind)
		}
	}
	if h.w.Snapshot().State != "DUMP_LIFT" {
		t.Fatalf("Expected state held at DUMP_LIFT, got %s", h.w.Snapshot().State)
	}
	if len(h.audit.noData) != 1 || h.audit.noData[0] != aggregator.ReasonStaleFront {
		t.Errorf("Expected one stale_front notice, got %v", h.audit.noData)
	}

	// Both views resume and the cycle completes normally.
	h.play(fullDump[3:])
	if len(h.sessions.finalized) != 1 {
		t.Errorf("Expected cycle to finalize after resumption, got %v", h.sessions.finalized)
	}
	if len(h.captures.intents) != 4 {
		t.Errorf("Expected 4 captures, got %d", len(h.captures.intents))
	}
}

func TestWorker_IdleTickWithoutSignals(t *testing.T) {
	h := newHarness()
	out := h.w.Step(context.Background(), nil, t0)
	if out.Kind != fsm.KindNoData {
		t.Fatalf("Expected no data without signals, got %s", out.Kind)
	}
	if h.w.Snapshot().Reason != string(aggregator.ReasonMissingFront) {
		t.Errorf("Expected missing_front reason, got %q", h.w.Snapshot().Reason)
	}
}

func TestWorker_AnomaliesDeduplicated(t *testing.T) {
	h := newHarness()
	h.play(fullDump[:2]) // TRUCK_IN

	// Coverage jumps to full without a lift phase: no rule in TRUCK_IN.
	for i := 0; i < 5; i++ {
		h.observe(true, 95, model.PhaseDumping)
	}
	h.observe(true, 100, model.PhaseLifting)

	if h.audit.anomalies != 1 {
		t.Errorf("Expected one logged anomaly, got %d", h.audit.anomalies)
	}
	if h.audit.repeats != 4 {
		t.Errorf("Expected 4 repeats reported, got %d", h.audit.repeats)
	}
	if h.w.Snapshot().State != "DUMP_LIFT" {
		t.Errorf("Expected recovery to DUMP_LIFT, got %s", h.w.Snapshot().State)
	}
}

// ========================================
// Session Tests
// ========================================

func TestWorker_OpenFailureDropsTransition(t *testing.T) {
	h := newHarness()
	h.sessions.failOpen = errors.New("database is locked")
	h.play(fullDump[:2])

	if h.w.Snapshot().State != "EMPTY_IDLE" {
		t.Errorf("Expected EMPTY_IDLE after failed open, got %s", h.w.Snapshot().State)
	}
	if len(h.audit.entries) != 0 || len(h.captures.intents) != 0 {
		t.Errorf("Expected no transition or capture, got %d/%d", len(h.audit.entries), len(h.captures.intents))
	}

	h.sessions.failOpen = nil
	h.observe(true, 5, model.PhaseNone)
	if h.w.Snapshot().State != "TRUCK_IN" {
		t.Errorf("Expected TRUCK_IN once open succeeds, got %s", h.w.Snapshot().State)
	}
}

func TestWorker_SessionTimeout(t *testing.T) {
	h := newHarness()
	h.sessions.timeout = 15 * time.Minute
	h.play(fullDump[:3]) // DUMP_LIFT

	h.now = h.now.Add(16 * time.Minute)
	h.w.Step(context.Background(), nil, h.now)

	if h.sessions.abandoned["s-1"] != session.ReasonTimeout {
		t.Fatalf("Expected s-1 abandoned on timeout, got %v", h.sessions.abandoned)
	}
	last := h.audit.entries[len(h.audit.entries)-1]
	if last.From != model.DumpLift || last.To != model.EmptyIdle || last.Trigger != session.ReasonTimeout {
		t.Errorf("Expected DUMP_LIFT -> EMPTY_IDLE [session_timeout], got %+v", last)
	}
	snap := h.w.Snapshot()
	if snap.State != "EMPTY_IDLE" || snap.SessionID != "" {
		t.Errorf("Unexpected snapshot after timeout %+v", snap)
	}

	// Late observations from the old dump do not reach the abandoned session.
	h.observe(true, 52, model.PhaseDumping)
	if len(h.sessions.appended["s-1"]) != 1 {
		t.Errorf("Expected no further appends to s-1, got %v", h.sessions.appended["s-1"])
	}
}

func TestWorker_AtMostOneOpenSession(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	phases := []model.DumpPhase{model.PhaseNone, model.PhaseLifting, model.PhaseLiftMax, model.PhaseDumping, model.PhaseLowering}
	h := newHarness()

	for i := 0; i < 5000; i++ {
		if rng.Intn(20) == 0 {
			h.now = h.now.Add(3 * time.Second)
		}
		h.observe(rng.Intn(2) == 0, float64(rng.Intn(101)), phases[rng.Intn(len(phases))])
	}
	h.play(fullDump)

	if h.sessions.maxOpen > 1 {
		t.Fatalf("Expected at most one open session, got %d", h.sessions.maxOpen)
	}
	if h.sessions.rejected != 0 {
		t.Errorf("Worker tried to open %d sessions while one was open", h.sessions.rejected)
	}
	if len(h.sessions.opened) == 0 {
		t.Error("Expected the random run to open sessions")
	}
	counts := make(map[intent]int)
	for _, in := range h.captures.intents {
		counts[in]++
	}
	for in, n := range counts {
		if n > 1 {
			t.Errorf("Slot %s of %s captured %d times", in.slot, in.session, n)
		}
	}
}

// ========================================
// Run Loop Tests
// ========================================

func TestWorker_StopAbandonsOpenSession(t *testing.T) {
	h := newHarness()
	now := time.Now()
	h.w.clock = func() time.Time { return now }
	h.w.Start(context.Background())

	ctx := context.Background()
	for _, sig := range []model.DetectionSignal{front(now, false, ""), top(now, 0, model.PhaseNone), front(now, true, ""), top(now, 5, model.PhaseNone)} {
		if err := h.w.Submit(ctx, sig); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for h.w.Snapshot().State != "TRUCK_IN" {
		select {
		case <-deadline:
			t.Fatalf("Worker did not reach TRUCK_IN, state %s", h.w.Snapshot().State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.w.Stop()
	if h.sessions.abandoned["s-1"] != session.ReasonWorkerStopped {
		t.Errorf("Expected worker_stopped abandon, got %v", h.sessions.abandoned)
	}
	if h.w.Snapshot().Running {
		t.Error("Expected worker not running after Stop")
	}
	if err := h.w.Submit(ctx, front(now, true, "")); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestWorker_StopWithoutStart(t *testing.T) {
	h := newHarness()
	h.w.Stop()
}
