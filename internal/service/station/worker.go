// Package station runs the lifecycle engine of one dump station. A Worker is
// the only goroutine that touches its aggregator, machine and open session.
package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"canedump/internal/aggregator"
	"canedump/internal/fsm"
	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/observability"
	"canedump/internal/plate"
	"canedump/internal/service/capture"
	"canedump/internal/service/session"
)

// ErrStopped is returned when submitting to a stopped worker.
var ErrStopped = errors.New("station worker stopped")

const shutdownTimeout = 10 * time.Second

// Sessions is the session manager as seen by a worker.
type Sessions interface {
	Open(ctx context.Context, stationID string, openedAt time.Time) (string, error)
	AppendTransition(ctx context.Context, sessionID string, entry model.StateLogEntry) error
	SetPlate(ctx context.Context, sessionID, raw string) (string, error)
	Finalize(ctx context.Context, sessionID string, at time.Time) (model.DumpSession, error)
	Abandon(ctx context.Context, sessionID, reason string, at time.Time) error
	Expired(sessionID string, now time.Time) bool
}

// Captures is the capture controller as seen by a worker.
type Captures interface {
	OnIntent(ctx context.Context, sessionID string, slot model.CaptureSlot, obs aggregator.Observation) (model.CaptureRecord, error)
}

// Auditor records transitions and anomalies.
type Auditor interface {
	Record(ctx context.Context, entry *model.StateLogEntry) error
	Anomaly(stationID string, state model.StationState, obs aggregator.Observation, guards string)
	AnomalyRepeats(stationID string, state model.StationState, guards string, repeats int)
	NoData(stationID string, state model.StationState, reason aggregator.Reason)
}

// Config holds the per-station settings of a worker.
type Config struct {
	StationID         string
	Tolerance         time.Duration
	Bands             fsm.Bands
	MinDwell          time.Duration
	EvaluationTimeout time.Duration
	QueueSize         int
}

// Snapshot is the externally visible state of a station.
type Snapshot struct {
	StationID         string    `json:"station_id"`
	State             string    `json:"state"`
	SessionID         string    `json:"session_id,omitempty"`
	LastObservationAt time.Time `json:"last_observation_at"`
	Usable            bool      `json:"usable"`
	Reason            string    `json:"no_data_reason,omitempty"`
	Running           bool      `json:"running"`
}

// Worker is the actor of one station.
type Worker struct {
	cfg      Config
	sessions Sessions
	captures Captures
	audit    Auditor
	logger   *logger.Logger
	metrics  *observability.Metrics
	clock    func() time.Time

	signals chan model.DetectionSignal
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once

	// Owned by the run loop.
	agg        *aggregator.Aggregator
	machine    fsm.Machine
	sessionID  string
	plateSet   bool
	lastNoData aggregator.Reason
	anomaly    *anomalyRun

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a stopped worker in EMPTY_IDLE.
func New(cfg Config, sessions Sessions, captures Captures, audit Auditor, logger *logger.Logger, metrics *observability.Metrics) *Worker {
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	w := &Worker{
		cfg:      cfg,
		sessions: sessions,
		captures: captures,
		audit:    audit,
		logger:   logger,
		metrics:  metrics,
		clock:    time.Now,
		signals:  make(chan model.DetectionSignal, cfg.QueueSize),
		done:     make(chan struct{}),
		agg:      aggregator.New(cfg.StationID, cfg.Tolerance),
		machine:  fsm.New(cfg.Bands).WithMinDwell(cfg.MinDwell),
	}
	w.snap = Snapshot{StationID: cfg.StationID, State: model.EmptyIdle.String()}
	return w
}

// ID returns the station id.
func (w *Worker) ID() string { return w.cfg.StationID }

// Start runs the worker until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.setRunning(true)
	go w.run(ctx)
}

// Stop ends the run loop, abandoning any open session, and waits for it.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.once.Do(w.cancel)
	<-w.done
}

// Done is closed once the worker has shut down.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Submit queues a signal, waiting at most until ctx is done.
func (w *Worker) Submit(ctx context.Context, sig model.DetectionSignal) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.signals <- sig:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest externally visible state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setRunning(false)

	w.logger.Info("Station %s worker started", w.cfg.StationID)
	idle := time.NewTimer(w.cfg.EvaluationTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(ctx)
			return
		case sig := <-w.signals:
			w.Step(ctx, &sig, w.clock())
			idle.Reset(w.cfg.EvaluationTimeout)
		case <-idle.C:
			w.Step(ctx, nil, w.clock())
			idle.Reset(w.cfg.EvaluationTimeout)
		}
	}
}

// Step offers sig (if any) and evaluates the station at now. The run loop
// is its only caller while the worker is started; tools drive a stopped
// worker with it directly.
func (w *Worker) Step(ctx context.Context, sig *model.DetectionSignal, now time.Time) fsm.Outcome {
	start := time.Now()
	defer func() { w.metrics.ObserveEvaluation(time.Since(start)) }()

	if sig != nil {
		if w.agg.Offer(*sig, now) {
			w.metrics.Signal(w.cfg.StationID, string(sig.CameraView))
		} else {
			w.logger.Debug("Station %s: ignored %s signal at %s", w.cfg.StationID, sig.CameraView, sig.Timestamp.Format(time.RFC3339Nano))
		}
	}

	if w.sessionID != "" && w.sessions.Expired(w.sessionID, now) {
		w.expire(ctx, now)
	}

	obs := w.agg.Fuse(now)
	next, out := w.machine.Advance(obs)

	switch out.Kind {
	case fsm.KindNoData:
		w.machine = next
		w.metrics.NoData(w.cfg.StationID, string(obs.Reason))
		if obs.Reason != w.lastNoData {
			w.audit.NoData(w.cfg.StationID, w.machine.State, obs.Reason)
			w.lastNoData = obs.Reason
		}
	case fsm.KindHold:
		if out.Debounced {
			w.logger.Debug("Station %s: %s held for minimum dwell", w.cfg.StationID, out.From)
		}
		w.machine = next
		w.flushAnomalies()
		w.lastNoData = ""
	case fsm.KindAnomaly:
		w.machine = next
		w.recordAnomaly(out, obs)
		w.lastNoData = ""
	case fsm.KindTransition:
		w.flushAnomalies()
		w.lastNoData = ""
		w.apply(ctx, next, out, obs)
	}

	if w.sessionID != "" && !w.plateSet && obs.Usable {
		w.updatePlate(ctx, obs)
	}
	w.publish(obs)
	return out
}

func (w *Worker) apply(ctx context.Context, next fsm.Machine, out fsm.Outcome, obs aggregator.Observation) {
	if out.Intent.OpenSession {
		id, err := w.sessions.Open(ctx, w.cfg.StationID, obs.At)
		if err != nil {
			w.logger.Error("Station %s: dropping %s -> %s, session not opened: %v", w.cfg.StationID, out.From, out.To, err)
			return
		}
		w.sessionID = id
		w.plateSet = false
	}
	w.machine = next

	entry := &model.StateLogEntry{
		StationID:         w.cfg.StationID,
		SessionID:         w.sessionID,
		From:              out.From,
		To:                out.To,
		Timestamp:         obs.At,
		TriggeringSignals: obs.Signals(),
	}
	w.audit.Record(ctx, entry)

	if w.sessionID == "" {
		return
	}
	if !out.Intent.OpenSession {
		if err := w.sessions.AppendTransition(ctx, w.sessionID, *entry); err != nil {
			w.logger.Warning("Station %s: transition %s -> %s not added to session %s: %v", w.cfg.StationID, out.From, out.To, w.sessionID, err)
		}
	}

	if slot := out.Intent.Capture; slot != "" {
		if _, err := w.captures.OnIntent(ctx, w.sessionID, slot, obs); err != nil && !errors.Is(err, capture.ErrSuppressed) {
			w.logger.Warning("Station %s: capture %s failed: %v", w.cfg.StationID, slot, err)
		}
	}

	if out.Intent.Finalize {
		if _, err := w.sessions.Finalize(ctx, w.sessionID, obs.At); err != nil {
			w.logger.Error("Station %s: failed to finalize session %s: %v", w.cfg.StationID, w.sessionID, err)
		}
		w.sessionID = ""
	}
}

func (w *Worker) updatePlate(ctx context.Context, obs aggregator.Observation) {
	raw := obs.PlateText()
	if raw == "" {
		return
	}
	p, err := w.sessions.SetPlate(ctx, w.sessionID, raw)
	if err != nil {
		w.logger.Warning("Station %s: failed to record plate: %v", w.cfg.StationID, err)
		return
	}
	if plate.Readable(p) {
		w.plateSet = true
		w.logger.Info("Station %s: plate %s for session %s", w.cfg.StationID, p, w.sessionID)
	}
}

// expire abandons a session that outlived the maximum duration and returns
// the station to EMPTY_IDLE.
func (w *Worker) expire(ctx context.Context, now time.Time) {
	id := w.sessionID
	from := w.machine.State
	if err := w.sessions.Abandon(ctx, id, session.ReasonTimeout, now); err != nil {
		w.logger.Error("Station %s: failed to abandon timed out session %s: %v", w.cfg.StationID, id, err)
	}
	w.sessionID = ""
	w.machine = w.machine.Reset()

	w.audit.Record(ctx, &model.StateLogEntry{
		StationID: w.cfg.StationID,
		SessionID: id,
		From:      from,
		To:        model.EmptyIdle,
		Timestamp: now,
		Trigger:   session.ReasonTimeout,
	})
}

func (w *Worker) shutdown(ctx context.Context) {
	if w.sessionID == "" {
		w.logger.Info("Station %s worker stopped", w.cfg.StationID)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := w.sessions.Abandon(ctx, w.sessionID, session.ReasonWorkerStopped, w.clock()); err != nil {
		w.logger.Error("Station %s: failed to abandon session %s on stop: %v", w.cfg.StationID, w.sessionID, err)
	}
	w.logger.Info("Station %s worker stopped, session %s abandoned", w.cfg.StationID, w.sessionID)
	w.sessionID = ""
	w.publish(aggregator.NoReliableData(w.cfg.StationID, w.clock(), ""))
}

// anomalyRun collapses consecutive identical anomalies into one log line
// plus a repeat count.
type anomalyRun struct {
	state   model.StationState
	guards  fsm.GuardSet
	repeats int
}

func (w *Worker) recordAnomaly(out fsm.Outcome, obs aggregator.Observation) {
	if run := w.anomaly; run != nil && run.state == out.From && run.guards == out.Guards {
		run.repeats++
		w.metrics.Anomaly(w.cfg.StationID, out.From.String())
		return
	}
	w.flushAnomalies()
	w.anomaly = &anomalyRun{state: out.From, guards: out.Guards}
	w.audit.Anomaly(w.cfg.StationID, out.From, obs, out.Guards.String())
}

func (w *Worker) flushAnomalies() {
	if run := w.anomaly; run != nil && run.repeats > 0 {
		w.audit.AnomalyRepeats(w.cfg.StationID, run.state, run.guards.String(), run.repeats)
	}
	w.anomaly = nil
}

func (w *Worker) publish(obs aggregator.Observation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snap.State = w.machine.State.String()
	w.snap.SessionID = w.sessionID
	w.snap.LastObservationAt = obs.At
	w.snap.Usable = obs.Usable
	w.snap.Reason = string(obs.Reason)
}

func (w *Worker) setRunning(running bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snap.Running = running
}
