package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Transition("dump-01", "EMPTY_IDLE", "TRUCK_IN")
	m.Transition("dump-01", "EMPTY_IDLE", "TRUCK_IN")
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("dump-01", "EMPTY_IDLE", "TRUCK_IN")); got != 2 {
		t.Fatalf("expected transition counter 2, got %f", got)
	}

	m.Suppressed("dump-01", "CANE_MID")
	if got := testutil.ToFloat64(m.suppressed.WithLabelValues("dump-01", "CANE_MID")); got != 1 {
		t.Fatalf("expected suppressed counter 1, got %f", got)
	}

	m.Lost("dump-01", "CANE_LOW")
	if got := testutil.ToFloat64(m.lost.WithLabelValues("dump-01", "CANE_LOW")); got != 1 {
		t.Fatalf("expected lost counter 1, got %f", got)
	}

	m.Report(false)
	if got := testutil.ToFloat64(m.reports.WithLabelValues("false")); got != 1 {
		t.Fatalf("expected incomplete report counter 1, got %f", got)
	}

	m.ObserveEvaluation(3 * time.Millisecond)
	if samples := testutil.CollectAndCount(m.evalLatency); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}
}

func TestMetrics_OpenSessionGauge(t *testing.T) {
	m := New()
	m.SessionOpened("dump-01")
	m.SessionOpened("dump-02")
	m.SessionClosed("dump-01", "finalized")

	if got := testutil.ToFloat64(m.openGauge.WithLabelValues("dump-01")); got != 0 {
		t.Fatalf("expected dump-01 gauge 0, got %f", got)
	}
	if got := testutil.ToFloat64(m.openGauge.WithLabelValues("dump-02")); got != 1 {
		t.Fatalf("expected dump-02 gauge 1, got %f", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("a", "b", "c")
	m.SessionOpened("a")
	m.Report(true)
	m.ObserveEvaluation(time.Second)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Anomaly("dump-01", "TRUCK_IN")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `canedump_anomalies_total{state="TRUCK_IN",station="dump-01"} 1`) {
		t.Errorf("expected anomaly sample in output, got:\n%s", rec.Body.String())
	}
}
