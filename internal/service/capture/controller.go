// Package capture turns capture intents into durable capture records, at
// most one per session slot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"canedump/internal/aggregator"
	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/observability"
	"canedump/internal/repository"
	"canedump/internal/retry"
)

var (
	// ErrSuppressed is returned for an intent on an already filled slot.
	ErrSuppressed = errors.New("capture slot already filled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture controller closed")
)

// FrameSource provides the frame reference of a capture.
type FrameSource interface {
	Snapshot(stationID string, view model.CameraView, sessionID string, slot model.CaptureSlot, at time.Time) (string, error)
}

// Controller reserves capture slots, resolves frame references and writes
// capture records asynchronously.
type Controller struct {
	gateway repository.CaptureRepository
	frames  FrameSource
	policy  retry.Policy
	logger  *logger.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	reserved map[string]map[model.CaptureSlot]bool
	inflight map[string]*sync.WaitGroup
	all      sync.WaitGroup
	closed   bool
}

// NewController creates a capture Controller.
func NewController(gateway repository.CaptureRepository, frames FrameSource, policy retry.Policy, logger *logger.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		gateway:  gateway,
		frames:   frames,
		policy:   policy,
		logger:   logger,
		metrics:  metrics,
		reserved: make(map[string]map[model.CaptureSlot]bool),
		inflight: make(map[string]*sync.WaitGroup),
	}
}

// OnIntent captures slot for the session from the observation's designated
// view. The record is returned once the frame is on disk; the gateway write
// continues in the background. A slot whose frame could not be resolved stays
// reserved and is reported as lost.
func (c *Controller) OnIntent(ctx context.Context, sessionID string, slot model.CaptureSlot, obs aggregator.Observation) (model.CaptureRecord, error) {
	station := obs.StationID
	wg, err := c.reserve(sessionID, slot)
	if err != nil {
		if errors.Is(err, ErrSuppressed) {
			c.metrics.Suppressed(station, string(slot))
			c.logger.Debug("Duplicate capture %s for session %s suppressed", slot, sessionID)
		}
		return model.CaptureRecord{}, err
	}

	view := slot.View()
	ref, err := c.frames.Snapshot(station, view, sessionID, slot, obs.At)
	if err != nil {
		wg.Done()
		c.all.Done()
		c.metrics.Lost(station, string(slot))
		c.logger.Warning("Capture %s lost for session %s at %s: %v", slot, sessionID, station, err)
		return model.CaptureRecord{}, fmt.Errorf("capture %s: %w", slot, err)
	}

	rec := model.CaptureRecord{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Slot:           slot,
		CameraView:     view,
		FrameReference: ref,
		CapturedAt:     obs.At,
	}

	go func() {
		defer c.all.Done()
		defer wg.Done()
		c.write(context.WithoutCancel(ctx), station, rec)
	}()

	return rec, nil
}

// reserve claims the slot and registers one pending write with the session
// and controller wait groups.
func (c *Controller) reserve(sessionID string, slot model.CaptureSlot) (*sync.WaitGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	slots, ok := c.reserved[sessionID]
	if !ok {
		slots = make(map[model.CaptureSlot]bool)
		c.reserved[sessionID] = slots
	}
	if slots[slot] {
		return nil, ErrSuppressed
	}
	slots[slot] = true

	wg, ok := c.inflight[sessionID]
	if !ok {
		wg = &sync.WaitGroup{}
		c.inflight[sessionID] = wg
	}
	wg.Add(1)
	c.all.Add(1)
	return wg, nil
}

func (c *Controller) write(ctx context.Context, station string, rec model.CaptureRecord) {
	attempts, err := retry.Do(ctx, c.policy, func() error {
		err := c.gateway.AppendCapture(ctx, rec)
		if errors.Is(err, repository.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		c.metrics.Captured(station, string(rec.Slot))
		c.logger.Info("Captured %s for session %s at %s", rec.Slot, rec.SessionID, station)
	case errors.Is(err, repository.ErrDuplicate):
		c.metrics.Suppressed(station, string(rec.Slot))
		c.logger.Debug("Capture %s for session %s already stored", rec.Slot, rec.SessionID)
	default:
		c.metrics.Lost(station, string(rec.Slot))
		c.logger.Error("Capture %s lost for session %s after %d attempts: %v", rec.Slot, rec.SessionID, attempts, err)
	}
}

// Flush waits until every capture write of the session has completed or
// given up, or ctx is done.
func (c *Controller) Flush(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	wg, ok := c.inflight[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return wait(ctx, wg)
}

// Release drops the bookkeeping of a closed session.
func (c *Controller) Release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.reserved, sessionID)
	delete(c.inflight, sessionID)
}

// Close rejects further intents and waits for all pending writes.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return wait(ctx, &c.all)
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
