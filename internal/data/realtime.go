package data

import (
	"context"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// Reconnect defaults
const (
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultHeartbeat      = 5 * time.Second
)

// MarketStream yields realtime events until it fails
type MarketStream interface {
	NextEvent(ctx context.Context) (types.MarketEvent, error)
}

// Connector opens a new MarketStream
type Connector func(ctx context.Context) (MarketStream, error)

// StatusSink receives stream health updates. It must not block.
type StatusSink func(types.StreamStatus)

// Backoff is an exponential delay that doubles up to a cap
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max
func NewBackoff(initial, maxDelay time.Duration) Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return Backoff{initial: initial, max: maxDelay, current: initial}
}

// Next returns the delay to use now and doubles the following one
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns to the initial delay
func (b *Backoff) Reset() {
	b.current = b.initial
}

// Current returns the delay Next would return
func (b *Backoff) Current() time.Duration {
	return b.current
}

// ReconnectingConfig tunes a ReconnectingSource. Zero values use defaults.
type ReconnectingConfig struct {
	Symbol         string
	StepSeconds    int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Heartbeat      time.Duration
}

// ReconnectingSource turns a flaky event stream into a bar source that only
// stops when its context is cancelled. Read and connect failures are retried
// forever with exponential backoff.
type ReconnectingSource struct {
	logger     *zap.Logger
	cfg        ReconnectingConfig
	connect    Connector
	stream     MarketStream
	aggregator *BarAggregator
	backoff    Backoff
	sink       StatusSink
	sleep      Sleeper
	now        func() time.Time

	mu         sync.Mutex
	status     types.StreamStatus
	lastStatus time.Time
}

// NewReconnectingSource creates a source. stream may be nil, in which case
// the first NextBar call connects.
func NewReconnectingSource(logger *zap.Logger, cfg ReconnectingConfig, stream MarketStream, connect Connector, sink StatusSink) (*ReconnectingSource, error) {
	agg, err := NewBarAggregator(cfg.Symbol, cfg.StepSeconds)
	if err != nil {
		return nil, err
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if sink == nil {
		sink = func(types.StreamStatus) {}
	}

	return &ReconnectingSource{
		logger:     logger.With(zap.String("symbol", cfg.Symbol)),
		cfg:        cfg,
		connect:    connect,
		stream:     stream,
		aggregator: agg,
		backoff:    NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		sink:       sink,
		sleep:      SleepContext,
		now:        time.Now,
		status:     types.StreamStatus{Connected: stream != nil},
	}, nil
}

// WithSleeper replaces the backoff sleep, mainly for tests
func (s *ReconnectingSource) WithSleeper(sleep Sleeper) *ReconnectingSource {
	s.sleep = sleep
	return s
}

// WithClock replaces the heartbeat clock, mainly for tests
func (s *ReconnectingSource) WithClock(now func() time.Time) *ReconnectingSource {
	s.now = now
	return s
}

// Status returns the latest stream status
func (s *ReconnectingSource) Status() types.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Aggregation returns the aggregator counters
func (s *ReconnectingSource) Aggregation() AggregationReport {
	return s.aggregator.Report()
}

// NextBar blocks until a bar is finalised. It returns false only when ctx
// is done.
func (s *ReconnectingSource) NextBar(ctx context.Context) (types.Bar, bool) {
	if s.stream == nil {
		if !s.dial(ctx) && !s.reconnect(ctx) {
			return types.Bar{}, false
		}
	}

	for {
		if ctx.Err() != nil {
			return types.Bar{}, false
		}

		event, err := s.stream.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return types.Bar{}, false
			}
			s.logger.Warn("Market stream read failed", zap.Error(err))
			s.update(func(st *types.StreamStatus) {
				st.Connected = false
				st.Reconnects++
				st.LastError = err.Error()
			})
			s.stream = nil
			if !s.reconnect(ctx) {
				return types.Bar{}, false
			}
			continue
		}

		bar, ok := s.aggregator.Ingest(event)
		report := s.aggregator.Report()

		s.mu.Lock()
		s.status.OutOfOrderEvents = report.OutOfOrderEvents
		s.status.InvalidEvents = report.InvalidEvents
		if report.HasLastEvent {
			s.status.LastEventTimestamp = report.LastEventTimestamp
		}
		s.mu.Unlock()

		if ok {
			s.update(func(st *types.StreamStatus) { st.Connected = true })
			return bar, true
		}
		if s.now().Sub(s.lastStatusTime()) >= s.cfg.Heartbeat {
			s.update(func(*types.StreamStatus) {})
		}
	}
}

// dial makes one connection attempt without waiting
func (s *ReconnectingSource) dial(ctx context.Context) bool {
	stream, err := s.connect(ctx)
	if err != nil {
		s.logger.Warn("Market stream connect failed", zap.Error(err))
		s.update(func(st *types.StreamStatus) {
			st.Connected = false
			st.LastError = err.Error()
		})
		return false
	}
	s.stream = stream
	s.backoff.Reset()
	s.update(func(st *types.StreamStatus) {
		st.Connected = true
		st.LastError = ""
	})
	return true
}

// reconnect waits out the backoff between attempts until one succeeds or
// ctx is done.
func (s *ReconnectingSource) reconnect(ctx context.Context) bool {
	for {
		delay := s.backoff.Next()
		if !s.sleep(ctx, delay) {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		if s.dial(ctx) {
			s.logger.Info("Market stream reconnected", zap.Duration("after", delay))
			return true
		}
	}
}

func (s *ReconnectingSource) lastStatusTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// update mutates the status under the lock and pushes a copy to the sink
func (s *ReconnectingSource) update(mutate func(*types.StreamStatus)) {
	s.mu.Lock()
	mutate(&s.status)
	s.lastStatus = s.now()
	snapshot := s.status
	s.mu.Unlock()

	s.sink(snapshot)
}
