// Package observability exposes the engine's Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine counters. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	signals     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	anomalies   *prometheus.CounterVec
	noData      *prometheus.CounterVec
	captures    *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	lost        *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	openGauge   *prometheus.GaugeVec
	reports     *prometheus.CounterVec
	evalLatency prometheus.Histogram
}

// New registers the engine metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_signals_total",
			Help: "Detection signals accepted per station and camera view.",
		}, []string{"station", "view"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_transitions_total",
			Help: "Accepted state transitions.",
		}, []string{"station", "from", "to"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_anomalies_total",
			Help: "Observations that matched no transition rule.",
		}, []string{"station", "state"}),
		noData: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_no_reliable_data_total",
			Help: "Evaluations skipped for missing or stale signals.",
		}, []string{"station", "reason"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_captures_total",
			Help: "Captures durably written.",
		}, []string{"station", "slot"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_captures_suppressed_total",
			Help: "Capture intents dropped because the slot was already filled.",
		}, []string{"station", "slot"}),
		lost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_captures_lost_total",
			Help: "Captures lost after exhausting write retries or for lack of a frame.",
		}, []string{"station", "slot"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_sessions_total",
			Help: "Dump sessions by lifecycle event.",
		}, []string{"station", "event"}),
		openGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canedump_sessions_open",
			Help: "Currently open sessions per station.",
		}, []string{"station"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canedump_reports_total",
			Help: "Merged reports composed, by completeness.",
		}, []string{"complete"}),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "canedump_evaluation_seconds",
			Help:    "Time from observation fusion to applied outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	m.registry.MustRegister(m.signals, m.transitions, m.anomalies, m.noData, m.captures,
		m.suppressed, m.lost, m.sessions, m.openGauge, m.reports, m.evalLatency)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Signal(station, view string) {
	if m != nil {
		m.signals.WithLabelValues(station, view).Inc()
	}
}

func (m *Metrics) Transition(station, from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(station, from, to).Inc()
	}
}

func (m *Metrics) Anomaly(station, state string) {
	if m != nil {
		m.anomalies.WithLabelValues(station, state).Inc()
	}
}

func (m *Metrics) NoData(station, reason string) {
	if m != nil {
		m.noData.WithLabelValues(station, reason).Inc()
	}
}

func (m *Metrics) Captured(station, slot string) {
	if m != nil {
		m.captures.WithLabelValues(station, slot).Inc()
	}
}

func (m *Metrics) Suppressed(station, slot string) {
	if m != nil {
		m.suppressed.WithLabelValues(station, slot).Inc()
	}
}

func (m *Metrics) Lost(station, slot string) {
	if m != nil {
		m.lost.WithLabelValues(station, slot).Inc()
	}
}

// SessionOpened counts an opened session and raises the open gauge.
func (m *Metrics) SessionOpened(station string) {
	if m != nil {
		m.sessions.WithLabelValues(station, "opened").Inc()
		m.openGauge.WithLabelValues(station).Inc()
	}
}

// SessionClosed counts a finalized or abandoned session and lowers the gauge.
func (m *Metrics) SessionClosed(station, event string) {
	if m != nil {
		m.sessions.WithLabelValues(station, event).Inc()
		m.openGauge.WithLabelValues(station).Dec()
	}
}

// SessionRecovered counts a session abandoned at startup. It was never
// counted as open by this process.
func (m *Metrics) SessionRecovered(station string) {
	if m != nil {
		m.sessions.WithLabelValues(station, "recovered").Inc()
	}
}

func (m *Metrics) Report(complete bool) {
	if m == nil {
		return
	}
	label := "false"
	if complete {
		label = "true"
	}
	m.reports.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveEvaluation(d time.Duration) {
	if m != nil {
		m.evalLatency.Observe(d.Seconds())
	}
}
