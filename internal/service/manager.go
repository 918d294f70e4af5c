package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canedump/internal/config"
	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/observability"
	"canedump/internal/service/audit"
	"canedump/internal/service/capture"
	"canedump/internal/service/session"
	"canedump/internal/service/station"
	"canedump/internal/service/storage"
)

var (
	ErrUnknownStation = errors.New("unknown station")
	ErrUnknownSource  = errors.New("frame source is not bound to a station")
	ErrStationRunning = errors.New("station is already running")
	ErrStationStopped = errors.New("station is not running")
)

// submitTimeout bounds how long an ingest path waits on a full station queue.
const submitTimeout = 250 * time.Millisecond

// Manager routes signals and frames to the station workers and owns their
// lifecycle.
type Manager struct {
	cfg      *config.Config
	sessions *session.Manager
	captures *capture.Controller
	audit    *audit.Recorder
	frames   *storage.FrameStore
	logger   *logger.Logger
	metrics  *observability.Metrics
	clock    func() time.Time

	mu      sync.RWMutex
	ctx     context.Context
	workers map[string]*station.Worker
}

func NewManager(cfg *config.Config, sessions *session.Manager, captures *capture.Controller, audit *audit.Recorder, frames *storage.FrameStore, logger *logger.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		captures: captures,
		audit:    audit,
		frames:   frames,
		logger:   logger,
		metrics:  metrics,
		clock:    time.Now,
		workers:  make(map[string]*station.Worker),
	}
}

// Start abandons sessions left open by a previous process and then starts a
// worker for every configured station. Workers stop when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	threshold := m.cfg.Site.Thresholds.RecoveryThreshold
	n, err := m.sessions.Recover(ctx, m.clock(), threshold)
	if err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}
	if n > 0 {
		m.logger.Warning("Recovered %d stale session(s) from a previous run", n)
	}

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for _, st := range m.cfg.Site.Stations {
		if err := m.StartStation(st.ID); err != nil {
			return err
		}
	}
	m.logger.Info("🎬 Manager started - %d station(s)", len(m.cfg.Site.Stations))
	return nil
}

// StartStation starts the worker of one configured station.
func (m *Manager) StartStation(id string) error {
	st, ok := m.cfg.Site.Station(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return fmt.Errorf("manager not started")
	}
	if w, ok := m.workers[id]; ok && running(w) {
		return fmt.Errorf("%w: %s", ErrStationRunning, id)
	}

	th := m.cfg.Site.ThresholdsFor(st)
	w := station.New(station.Config{
		StationID:         st.ID,
		Tolerance:         th.StalenessTolerance,
		Bands:             th.Bands(),
		MinDwell:          th.MinDwell,
		EvaluationTimeout: m.cfg.EvaluationTimeout,
		QueueSize:         m.cfg.SignalQueueSize,
	}, m.sessions, m.captures, m.audit, m.logger, m.metrics)
	w.Start(m.ctx)
	m.workers[id] = w
	return nil
}

// StopStation stops one worker. Its open session, if any, is abandoned.
func (m *Manager) StopStation(id string) error {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		if _, configured := m.cfg.Site.Station(id); configured {
			return fmt.Errorf("%w: %s", ErrStationStopped, id)
		}
		return fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}
	if !running(w) {
		return fmt.Errorf("%w: %s", ErrStationStopped, id)
	}
	w.Stop()
	m.frames.Forget(id)
	return nil
}

// Stop stops every worker and waits for pending capture writes.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.RLock()
	var wg sync.WaitGroup
	for _, w := range m.workers {
		wg.Add(1)
		go func(w *station.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	m.mu.RUnlock()
	wg.Wait()

	if err := m.captures.Close(ctx); err != nil {
		return fmt.Errorf("failed to flush captures: %w", err)
	}
	m.logger.Info("Manager stopped")
	return nil
}

// HandleSignal validates sig and queues it on its station.
func (m *Manager) HandleSignal(ctx context.Context, sig model.DetectionSignal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	w, ok := m.workers[sig.StationID]
	m.mu.RUnlock()
	if !ok {
		if _, configured := m.cfg.Site.Station(sig.StationID); configured {
			return fmt.Errorf("%w: %s", ErrStationStopped, sig.StationID)
		}
		return fmt.Errorf("%w: %s", ErrUnknownStation, sig.StationID)
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := w.Submit(ctx, sig); err != nil {
		if errors.Is(err, station.ErrStopped) {
			return fmt.Errorf("%w: %s", ErrStationStopped, sig.StationID)
		}
		return fmt.Errorf("failed to queue signal for %s: %w", sig.StationID, err)
	}
	return nil
}

// HandleCameraImage stores a frame received from the network feed. source
// is the sender address as bound in the stations file.
func (m *Manager) HandleCameraImage(image []byte, source string) {
	id, view, ok := m.cfg.Site.BindingForSource(source)
	if !ok {
		m.logger.Debug("Frame from unbound source %s dropped", source)
		return
	}
	if err := m.frames.Put(id, view, image, m.clock()); err != nil {
		m.logger.Warning("Frame from %s (%s %s) rejected: %v", source, id, view, err)
	}
}

// HandleFrame stores an uploaded frame for a station camera.
func (m *Manager) HandleFrame(stationID string, view model.CameraView, image []byte) error {
	if _, ok := m.cfg.Site.Station(stationID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, stationID)
	}
	if !view.Valid() {
		return fmt.Errorf("unknown camera view %q", view)
	}
	return m.frames.Put(stationID, view, image, m.clock())
}

// Stations returns a snapshot of every configured station in file order.
// Stations without a worker are reported as not running.
func (m *Manager) Stations() []station.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]station.Snapshot, 0, len(m.cfg.Site.Stations))
	for _, st := range m.cfg.Site.Stations {
		out = append(out, m.snapshot(st.ID))
	}
	return out
}

// Station returns the snapshot of one station.
func (m *Manager) Station(id string) (station.Snapshot, error) {
	if _, ok := m.cfg.Site.Station(id); !ok {
		return station.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot(id), nil
}

func (m *Manager) snapshot(id string) station.Snapshot {
	w, ok := m.workers[id]
	if !ok {
		return station.Snapshot{StationID: id, State: model.EmptyIdle.String()}
	}
	return w.Snapshot()
}

func running(w *station.Worker) bool {
	select {
	case <-w.Done():
		return false
	default:
		return true
	}
}
