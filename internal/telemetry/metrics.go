// Package telemetry exposes Prometheus metrics for runs, stages and the
// realtime stream.
package telemetry

import (
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kairos"

// Run outcomes used as the status label
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	EngineDuration   *prometheus.HistogramVec
	BarsProcessed    *prometheus.CounterVec
	TradesTotal      *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StreamReconnects prometheus.Counter
	StreamConnected  prometheus.Gauge
	StreamOutOfOrder prometheus.Gauge
	StreamInvalid    prometheus.Gauge
	BusDroppedEvents prometheus.Counter
	WorkerTasks      *prometheus.CounterVec
	WorkerTaskTime   *prometheus.HistogramVec

	mu             sync.Mutex
	lastReconnects uint64
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs finished, by mode and outcome.",
		}, []string{"mode", "status"}),
		EngineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Wall time spent in the simulation loop.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"mode"}),
		BarsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_processed_total",
			Help:      "Bars processed by completed runs.",
		}, []string{"mode"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Fills booked by completed runs.",
		}, []string{"mode"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of orchestrator stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Realtime stream reconnects.",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while the realtime stream is connected.",
		}),
		StreamOutOfOrder: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_out_of_order_events",
			Help:      "Out-of-order events dropped by the aggregator.",
		}),
		StreamInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_invalid_events",
			Help:      "Invalid events dropped by the aggregator.",
		}),
		BusDroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped because a subscriber was full.",
		}),
		WorkerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Worker pool tasks, by pool and outcome.",
		}, []string{"pool", "status"}),
		WorkerTaskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_task_duration_seconds",
			Help:      "Worker pool task duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"pool"}),
	}

	collectors := []prometheus.Collector{
		m.RunsTotal, m.EngineDuration, m.BarsProcessed, m.TradesTotal,
		m.StageDuration, m.StreamReconnects, m.StreamConnected,
		m.StreamOutOfOrder, m.StreamInvalid, m.BusDroppedEvents,
		m.WorkerTasks, m.WorkerTaskTime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveStage records the duration of a named stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(mode, status string, d time.Duration, summary types.Summary) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(mode, status).Inc()
	if status != StatusCompleted {
		return
	}
	m.EngineDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.BarsProcessed.WithLabelValues(mode).Add(float64(summary.BarsProcessed))
	m.TradesTotal.WithLabelValues(mode).Add(float64(summary.Trades))
}

// ObserveStream mirrors a stream status sample. Reconnects are counted
// as the delta since the previous sample.
func (m *Metrics) ObserveStream(status types.StreamStatus) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if status.Reconnects > m.lastReconnects {
		m.StreamReconnects.Add(float64(status.Reconnects - m.lastReconnects))
		m.lastReconnects = status.Reconnects
	}
	m.mu.Unlock()
	if status.Connected {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
	m.StreamOutOfOrder.Set(float64(status.OutOfOrderEvents))
	m.StreamInvalid.Set(float64(status.InvalidEvents))
}

// DroppedEvent counts one bus drop
func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.BusDroppedEvents.Inc()
}

// ResetStream forgets the reconnect baseline before a new realtime run
func (m *Metrics) ResetStream() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lastReconnects = 0
	m.mu.Unlock()
	m.StreamConnected.Set(0)
}

// ObserveTask records one worker pool task
func (m *Metrics) ObserveTask(pool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}
	m.WorkerTasks.WithLabelValues(pool, status).Inc()
	m.WorkerTaskTime.WithLabelValues(pool).Observe(d.Seconds())
}
