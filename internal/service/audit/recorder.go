// Package audit records every accepted station transition.
package audit

import (
	"context"
	"fmt"
	"sync"

	"canedump/internal/aggregator"
	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/observability"
	"canedump/internal/repository"
	"canedump/internal/retry"
)

// Subscriber receives every recorded transition. Publish must not block.
type Subscriber interface {
	Publish(entry model.StateLogEntry)
}

// Recorder appends transitions to the state log and fans them out.
type Recorder struct {
	gateway repository.StateLogRepository
	policy  retry.Policy
	logger  *logger.Logger
	metrics *observability.Metrics

	mu   sync.RWMutex
	subs []Subscriber
}

// NewRecorder creates an audit Recorder.
func NewRecorder(gateway repository.StateLogRepository, policy retry.Policy, logger *logger.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		gateway: gateway,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers s for all subsequent transitions.
func (r *Recorder) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, s)
}

// Record appends entry with retry. Subscribers are notified even when the
// write fails, since the transition has already been applied.
func (r *Recorder) Record(ctx context.Context, entry *model.StateLogEntry) error {
	r.metrics.Transition(entry.StationID, entry.From.String(), entry.To.String())

	attempts, err := retry.Do(ctx, r.policy, func() error {
		return r.gateway.AppendLogEntry(ctx, entry)
	})

	trigger := ""
	if entry.Trigger != "" {
		trigger = " [" + entry.Trigger + "]"
	}
	r.logger.Info("Station %s: %s -> %s session=%s%s", entry.StationID, entry.From, entry.To, entry.SessionID, trigger)

	r.mu.RLock()
	for _, s := range r.subs {
		s.Publish(*entry)
	}
	r.mu.RUnlock()

	if err != nil {
		r.logger.Error("Failed to persist transition %s -> %s at %s after %d attempts: %v",
			entry.From, entry.To, entry.StationID, attempts, err)
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Anomaly logs an observation that matched no rule in the current state.
func (r *Recorder) Anomaly(stationID string, state model.StationState, obs aggregator.Observation, guards string) {
	r.metrics.Anomaly(stationID, state.String())
	r.logger.Warning("Station %s: anomalous observation in %s (%s) guards=%s", stationID, state, obs, guards)
}

// AnomalyRepeats logs how many identical anomalies followed the first one.
// They are already counted by the caller.
func (r *Recorder) AnomalyRepeats(stationID string, state model.StationState, guards string, repeats int) {
	r.logger.Warning("Station %s: anomaly in %s guards=%s repeated %d more times", stationID, state, guards, repeats)
}

// NoData logs the start of a run of evaluations without reliable data.
func (r *Recorder) NoData(stationID string, state model.StationState, reason aggregator.Reason) {
	r.logger.Debug("Station %s: no reliable data in %s (%s)", stationID, state, reason)
}
