package telemetry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/telemetry"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

func newMetrics(t *testing.T) (*telemetry.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m, reg
}

// value returns the counter or gauge value of the series matching labels
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserveRun(t *testing.T) {
	m, reg := newMetrics(t)

	m.ObserveRun("backtest", telemetry.StatusCompleted, time.Second, types.Summary{BarsProcessed: 100, Trades: 4})
	m.ObserveRun("backtest", telemetry.StatusCancelled, time.Second, types.Summary{BarsProcessed: 50})

	if v := value(t, reg, "kairos_runs_total", map[string]string{"mode": "backtest", "status": "completed"}); v != 1 {
		t.Errorf("Completed runs incorrect: expected 1, got %v", v)
	}
	if v := value(t, reg, "kairos_runs_total", map[string]string{"mode": "backtest", "status": "cancelled"}); v != 1 {
		t.Errorf("Cancelled runs incorrect: expected 1, got %v", v)
	}
	if v := value(t, reg, "kairos_bars_processed_total", nil); v != 100 {
		t.Errorf("Bars incorrect: expected 100, got %v", v)
	}
	if v := value(t, reg, "kairos_trades_total", nil); v != 4 {
		t.Errorf("Trades incorrect: expected 4, got %v", v)
	}
}

func TestObserveStreamCountsReconnectDeltas(t *testing.T) {
	m, reg := newMetrics(t)

	m.ObserveStream(types.StreamStatus{Connected: false, Reconnects: 1})
	m.ObserveStream(types.StreamStatus{Connected: false, Reconnects: 3, InvalidEvents: 2})
	m.ObserveStream(types.StreamStatus{Connected: true, Reconnects: 3, OutOfOrderEvents: 5, InvalidEvents: 2})

	if v := value(t, reg, "kairos_stream_reconnects_total", nil); v != 3 {
		t.Errorf("Reconnects incorrect: expected 3, got %v", v)
	}
	if v := value(t, reg, "kairos_stream_connected", nil); v != 1 {
		t.Errorf("Connected incorrect: expected 1, got %v", v)
	}
	if v := value(t, reg, "kairos_stream_out_of_order_events", nil); v != 5 {
		t.Errorf("Out of order incorrect: expected 5, got %v", v)
	}

	m.ResetStream()
	m.ObserveStream(types.StreamStatus{Reconnects: 1})
	if v := value(t, reg, "kairos_stream_reconnects_total", nil); v != 4 {
		t.Errorf("Reconnects after reset incorrect: expected 4, got %v", v)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	m.ObserveStage("load_ohlcv", time.Millisecond)
	m.ObserveRun("backtest", telemetry.StatusFailed, 0, types.Summary{})
	m.ObserveStream(types.StreamStatus{})
	m.DroppedEvent()
	m.ResetStream()
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := telemetry.NewMetrics(reg); err != nil {
		t.Fatalf("First registration failed: %v", err)
	}
	if _, err := telemetry.NewMetrics(reg); err == nil {
		t.Error("Expected error registering twice on one registry")
	}
}

func TestObserveTask(t *testing.T) {
	m, reg := newMetrics(t)

	m.ObserveTask("sweep", time.Millisecond, nil)
	m.ObserveTask("sweep", time.Millisecond, nil)
	m.ObserveTask("sweep", time.Millisecond, errors.New("boom"))

	if v := value(t, reg, "kairos_worker_tasks_total", map[string]string{"pool": "sweep", "status": "completed"}); v != 2 {
		t.Errorf("Completed tasks incorrect: expected 2, got %v", v)
	}
	if v := value(t, reg, "kairos_worker_tasks_total", map[string]string{"pool": "sweep", "status": "failed"}); v != 1 {
		t.Errorf("Failed tasks incorrect: expected 1, got %v", v)
	}

	var nilMetrics *telemetry.Metrics
	nilMetrics.ObserveTask("sweep", time.Millisecond, nil)
}
