// Package orchestrator wires configuration, bar loading, strategies, the
// runner and artifact output into backtest, paper and realtime runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/artifacts"
	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/internal/config"
	"github.com/Marcux777/kairos-alloy-sub000/internal/data"
	"github.com/Marcux777/kairos-alloy-sub000/internal/events"
	"github.com/Marcux777/kairos-alloy-sub000/internal/runcontrol"
	"github.com/Marcux777/kairos-alloy-sub000/internal/strategy"
	"github.com/Marcux777/kairos-alloy-sub000/internal/telemetry"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode selects how bars reach the runner
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeRealtime Mode = "realtime"
	ModeSweep    Mode = "sweep"
	ModeValidate Mode = "validate"
	ModeCPCV     Mode = "cpcv"
)

// ParseMode accepts backtest, paper, realtime, sweep, validate or cpcv
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBacktest, ModePaper, ModeRealtime, ModeSweep, ModeValidate, ModeCPCV:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (valid: backtest, paper, realtime, sweep, validate, cpcv)", s)
	}
}

// Audit stage and actions for orchestrator timings
const (
	StageTiming     = "timing"
	TimingLoad      = "load_ohlcv"
	TimingResample  = "resample_ohlcv"
	TimingRunEngine = "run_engine"
)

const progressBuffer = 64

// Uploader mirrors a finished run directory to remote storage
type Uploader interface {
	UploadDir(ctx context.Context, dir, runID string) ([]string, error)
}

// RunOutcome describes a completed run
type RunOutcome struct {
	RunID    string
	Mode     Mode
	Dir      string
	Files    []string
	Uploaded []string
	Results  *backtester.Results
}

// Orchestrator runs simulations from a base configuration
type Orchestrator struct {
	logger     *zap.Logger
	cfg        *config.Config
	strategies *strategy.Registry
	writer     *artifacts.Writer
	uploader   Uploader
	metrics    *telemetry.Metrics
	bus        *events.Bus
	repo       data.BarRepository
	connector  data.Connector
	runs       *Registry

	wg sync.WaitGroup
}

// Option customises an Orchestrator
type Option func(*Orchestrator)

// WithRepository overrides the repository selected by data.source
func WithRepository(repo data.BarRepository) Option {
	return func(o *Orchestrator) { o.repo = repo }
}

// WithConnector overrides the Binance connector used by realtime runs
func WithConnector(connect data.Connector) Option {
	return func(o *Orchestrator) { o.connector = connect }
}

// WithUploader enables artifact upload after each completed run
func WithUploader(u Uploader) Option {
	return func(o *Orchestrator) { o.uploader = u }
}

// WithMetrics records Prometheus metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBus publishes run events
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// New creates an orchestrator for cfg
func New(logger *zap.Logger, cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		strategies: strategy.NewRegistry(logger),
		writer:     artifacts.NewWriter(logger, cfg.Report.HTML),
		runs:       NewRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Runs returns the registry of runs started by this orchestrator
func (o *Orchestrator) Runs() *Registry {
	return o.runs
}

// Run executes the configured run in mode and blocks until it ends. A nil
// control gets a fresh controller.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, control *runcontrol.Controller) (*RunOutcome, error) {
	switch mode {
	case ModeSweep, ModeValidate, ModeCPCV:
		return nil, fmt.Errorf("mode %s is not a simulation run", mode)
	}
	if control == nil {
		control = runcontrol.New()
	}
	rec, err := o.runs.register(o.cfg.Run.RunID, mode, control)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, o.cfg, mode, rec)
}

// RunBacktest replays the configured bars as fast as possible
func (o *Orchestrator) RunBacktest(ctx context.Context, control *runcontrol.Controller) (*RunOutcome, error) {
	return o.Run(ctx, ModeBacktest, control)
}

// RunPaper replays the configured bars paced by paper.replay_scale
func (o *Orchestrator) RunPaper(ctx context.Context, control *runcontrol.Controller) (*RunOutcome, error) {
	return o.Run(ctx, ModePaper, control)
}

// RunRealtime aggregates live trades into bars until cancelled
func (o *Orchestrator) RunRealtime(ctx context.Context, control *runcontrol.Controller) (*RunOutcome, error) {
	return o.Run(ctx, ModeRealtime, control)
}

// Start launches a backtest or paper run in the background under a new
// run id. ctx bounds the run, so callers pass a long-lived context.
func (o *Orchestrator) Start(ctx context.Context, mode Mode) (RunInfo, error) {
	if mode != ModeBacktest && mode != ModePaper {
		return RunInfo{}, fmt.Errorf("mode %s cannot be started in the background", mode)
	}

	cfg := *o.cfg
	cfg.Run.RunID = uuid.NewString()

	rec, err := o.runs.register(cfg.Run.RunID, mode, runcontrol.New())
	if err != nil {
		return RunInfo{}, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.execute(ctx, &cfg, mode, rec); err != nil && !errors.Is(err, backtester.ErrCancelled) {
			o.logger.Warn("Background run failed", zap.String("run_id", cfg.Run.RunID), zap.Error(err))
		}
	}()
	return rec.snapshot(), nil
}

// Wait blocks until every background run has returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// TogglePause flips the pause state of a run
func (o *Orchestrator) TogglePause(runID string) (bool, error) {
	control, ok := o.runs.Control(runID)
	if !ok {
		return false, ErrRunNotFound
	}
	paused := control.TogglePause()
	o.publish(events.EventTypeControl, runID, map[string]any{"action": "pause", "paused": paused})
	return paused, nil
}

// Step advances a paused run by one bar. It reports false when the run
// is not paused.
func (o *Orchestrator) Step(runID string) (bool, error) {
	control, ok := o.runs.Control(runID)
	if !ok {
		return false, ErrRunNotFound
	}
	stepped := control.StepOnce()
	o.publish(events.EventTypeControl, runID, map[string]any{"action": "step", "stepped": stepped})
	return stepped, nil
}

// Cancel stops a run
func (o *Orchestrator) Cancel(runID string) error {
	control, ok := o.runs.Control(runID)
	if !ok {
		return ErrRunNotFound
	}
	control.Cancel()
	o.publish(events.EventTypeControl, runID, map[string]any{"action": "cancel"})
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, cfg *config.Config, mode Mode, rec *runRecord) (*RunOutcome, error) {
	runID := cfg.Run.RunID
	logger := o.logger.With(zap.String("run_id", runID), zap.String("mode", string(mode)))
	start := time.Now()

	outcome, err := o.simulate(ctx, logger, cfg, mode, rec)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		o.metrics.ObserveRun(string(mode), telemetry.StatusCompleted, elapsed, outcome.Results.Summary)
		rec.finish(StatusCompleted, outcome.Dir, &outcome.Results.Summary, nil)
		o.publish(events.EventTypeRunComplete, runID, map[string]any{
			"status":  StatusCompleted,
			"summary": outcome.Results.Summary,
			"dir":     outcome.Dir,
		})
		logger.Info("Run finished",
			zap.String("dir", outcome.Dir),
			zap.Int("files", len(outcome.Files)),
			zap.Duration("elapsed", elapsed),
		)
	case errors.Is(err, backtester.ErrCancelled):
		o.metrics.ObserveRun(string(mode), telemetry.StatusCancelled, elapsed, types.Summary{})
		rec.finish(StatusCancelled, "", nil, nil)
		o.publish(events.EventTypeRunFailed, runID, map[string]any{"status": StatusCancelled})
		logger.Info("Run cancelled", zap.Duration("elapsed", elapsed))
	default:
		o.metrics.ObserveRun(string(mode), telemetry.StatusFailed, elapsed, types.Summary{})
		rec.finish(StatusFailed, "", nil, err)
		o.publish(events.EventTypeRunFailed, runID, map[string]any{"status": StatusFailed, "error": err.Error()})
		logger.Error("Run failed", zap.Error(err))
	}
	return outcome, err
}

func (o *Orchestrator) simulate(ctx context.Context, logger *zap.Logger, cfg *config.Config, mode Mode, rec *runRecord) (*RunOutcome, error) {
	runID := cfg.Run.RunID
	step, err := data.ParseTimeframe(cfg.Run.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: run.timeframe: %v", config.ErrInvalidConfig, err)
	}
	if mode == ModeRealtime && strings.EqualFold(cfg.Agent.Mode, strategy.ModeRemote) {
		return nil, fmt.Errorf("%w: realtime mode does not support agent.mode=remote", config.ErrInvalidConfig)
	}

	runnerCfg, err := runnerConfig(cfg, runID)
	if err != nil {
		return nil, err
	}

	o.publish(events.EventTypeRunStarted, runID, map[string]any{
		"mode":      mode,
		"symbol":    cfg.Run.Symbol,
		"timeframe": cfg.Run.Timeframe,
	})

	var (
		source backtester.BarSource
		extra  []types.AuditEvent
	)
	switch mode {
	case ModeBacktest, ModePaper:
		bars, timings, err := o.loadBars(ctx, logger, cfg, step)
		if err != nil {
			return nil, err
		}
		extra = timings
		if mode == ModeBacktest {
			source = data.NewVectorSource(bars)
		} else {
			source = data.NewPacedSource(bars, step, cfg.Paper.ReplayScale)
		}
	case ModeRealtime:
		if source, err = o.realtimeSource(logger, cfg, step, rec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported mode %s", mode)
	}

	strat, err := o.strategies.New(ctx, cfg.StrategyConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	runner := backtester.NewRunner(o.logger, runnerCfg, strat, source)

	// Cancel also interrupts sources blocked on the network or a pacing sleep
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	control := rec.control
	go func() {
		select {
		case <-control.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	progress := make(chan types.BarProgress, progressBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			rec.setProgress(p)
			o.publish(events.EventTypeProgress, runID, p)
		}
	}()

	engineStart := time.Now()
	results, err := runner.Run(runCtx, control, progress)
	close(progress)
	<-forwarded
	engineElapsed := time.Since(engineStart)
	o.metrics.ObserveStage(TimingRunEngine, engineElapsed)
	if err != nil {
		return nil, err
	}

	results.AuditEvents = append(results.AuditEvents, extra...)
	results.AuditEvents = append(results.AuditEvents, timingEvent(runID, cfg.Run.Symbol, TimingRunEngine, engineElapsed, nil))
	backtester.SortAuditEvents(results.AuditEvents)

	outcome := &RunOutcome{
		RunID:   runID,
		Mode:    mode,
		Dir:     filepath.Join(cfg.Paths.OutDir, runID),
		Results: results,
	}
	meta := artifacts.RunMeta{
		RunID:     runID,
		Mode:      string(mode),
		Symbol:    cfg.Run.Symbol,
		Timeframe: cfg.Run.Timeframe,
	}
	if outcome.Files, err = o.writer.WriteRun(outcome.Dir, meta, results, cfg); err != nil {
		return nil, err
	}

	if o.uploader != nil {
		keys, err := o.uploader.UploadDir(ctx, outcome.Dir, runID)
		if err != nil {
			// Local artifacts are complete; a failed mirror does not fail the run
			logger.Warn("Artifact upload failed", zap.Error(err))
		}
		outcome.Uploaded = keys
	}
	return outcome, nil
}

// sourceSeries is the raw series as stored, before cleaning or resampling
type sourceSeries struct {
	bars      []types.Bar
	report    data.QualityReport
	timeframe string
	step      int64
}

// fetchSource reads data.source_timeframe bars for the run symbol. The
// source step may not exceed the run step.
func (o *Orchestrator) fetchSource(ctx context.Context, cfg *config.Config, step int64) (*sourceSeries, error) {
	sourceTimeframe := cfg.Data.SourceTimeframe
	if sourceTimeframe == "" {
		sourceTimeframe = cfg.Run.Timeframe
	}
	sourceStep, err := data.ParseTimeframe(sourceTimeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: data.source_timeframe: %v", config.ErrInvalidConfig, err)
	}
	if sourceStep > step {
		return nil, fmt.Errorf("%w: cannot resample OHLCV: source timeframe (%s) is larger than run timeframe (%s)",
			config.ErrInvalidConfig, sourceTimeframe, cfg.Run.Timeframe)
	}

	repo, closeRepo, err := o.repository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeRepo()

	bars, report, err := repo.LoadOHLCV(ctx, data.OHLCVQuery{
		Exchange:     strings.ToLower(cfg.Data.Exchange),
		Market:       strings.ToLower(cfg.Data.Market),
		Symbol:       cfg.Run.Symbol,
		Timeframe:    sourceTimeframe,
		ExpectedStep: sourceStep,
	})
	if err != nil {
		return nil, fmt.Errorf("load ohlcv: %w", err)
	}
	return &sourceSeries{bars: bars, report: report, timeframe: sourceTimeframe, step: sourceStep}, nil
}

// loadBars reads the source series, applies the quality limits and
// resamples it to the run timeframe
func (o *Orchestrator) loadBars(ctx context.Context, logger *zap.Logger, cfg *config.Config, step int64) ([]types.Bar, []types.AuditEvent, error) {
	runID, symbol := cfg.Run.RunID, cfg.Run.Symbol
	loadStart := time.Now()
	src, err := o.fetchSource(ctx, cfg, step)
	if err != nil {
		return nil, nil, err
	}
	bars, report, sourceTimeframe, sourceStep := src.bars, src.report, src.timeframe, src.step
	if err := cfg.DataQuality.CheckQuality(report); err != nil {
		logger.Warn("Data quality limit exceeded", report.Fields()...)
		return nil, nil, err
	}
	bars = data.CleanBars(bars)
	loadElapsed := time.Since(loadStart)
	o.metrics.ObserveStage(TimingLoad, loadElapsed)

	timings := []types.AuditEvent{timingEvent(runID, symbol, TimingLoad, loadElapsed, map[string]any{
		"rows":          report.Rows,
		"duplicates":    report.Duplicates,
		"gaps":          report.Gaps,
		"out_of_order":  report.OutOfOrder,
		"invalid_close": report.InvalidClose,
		"usable_rows":   len(bars),
	})}

	if sourceStep != step {
		resampleStart := time.Now()
		sourceRows := len(bars)
		if bars, err = data.Resample(bars, step); err != nil {
			return nil, nil, fmt.Errorf("resample ohlcv: %w", err)
		}
		resampleElapsed := time.Since(resampleStart)
		o.metrics.ObserveStage(TimingResample, resampleElapsed)
		timings = append(timings, timingEvent(runID, symbol, TimingResample, resampleElapsed, map[string]any{
			"from_timeframe": sourceTimeframe,
			"to_timeframe":   cfg.Run.Timeframe,
			"source_rows":    sourceRows,
			"resampled_rows": len(bars),
		}))
	}

	if len(bars) == 0 {
		return nil, nil, fmt.Errorf("no usable bars for %s %s", symbol, sourceTimeframe)
	}

	logger.Info("Bars loaded",
		zap.String("source", cfg.Data.Source),
		zap.Int("bars", len(bars)),
		zap.Duration("elapsed", time.Since(loadStart)),
	)
	return bars, timings, nil
}

// repository opens the store selected by data.source. The returned func
// releases it.
func (o *Orchestrator) repository(ctx context.Context, cfg *config.Config) (data.BarRepository, func(), error) {
	noop := func() {}
	if o.repo != nil {
		return o.repo, noop, nil
	}

	switch cfg.Data.Source {
	case "file":
		store, err := data.NewFileStore(o.logger, cfg.Data.Path)
		return store, noop, err
	case "sqlite":
		store, err := data.NewSQLiteStore(ctx, cfg.Data.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case "parquet":
		return data.NewParquetStore(cfg.Data.Path), noop, nil
	case "postgres":
		store, err := data.NewPostgresStore(ctx, o.logger, cfg.Data.DSN, cfg.Data.Table, cfg.Data.PoolMaxConns)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown data source %q", config.ErrInvalidConfig, cfg.Data.Source)
	}
}

func (o *Orchestrator) realtimeSource(logger *zap.Logger, cfg *config.Config, step int64, rec *runRecord) (*data.ReconnectingSource, error) {
	connect := o.connector
	if connect == nil {
		connect = data.DialBinance(logger, cfg.Data.StreamURL, cfg.Run.Symbol)
	}

	o.metrics.ResetStream()
	runID := cfg.Run.RunID
	sink := func(status types.StreamStatus) {
		rec.setStream(status)
		o.metrics.ObserveStream(status)
		o.publish(events.EventTypeStreamStatus, runID, status)
	}

	return data.NewReconnectingSource(logger, data.ReconnectingConfig{
		Symbol:      cfg.Run.Symbol,
		StepSeconds: step,
	}, nil, connect, sink)
}

func (o *Orchestrator) publish(eventType events.EventType, runID string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.NewEvent(eventType, runID, payload))
}

func runnerConfig(cfg *config.Config, runID string) (backtester.RunnerConfig, error) {
	sizeMode, err := cfg.SizeMode()
	if err != nil {
		return backtester.RunnerConfig{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	exec, err := cfg.ExecutionConfig()
	if err != nil {
		return backtester.RunnerConfig{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return backtester.RunnerConfig{
		RunID:          runID,
		Symbol:         cfg.Run.Symbol,
		InitialCapital: cfg.Run.InitialCapital,
		FeeBps:         cfg.Costs.FeeBps,
		SizeMode:       sizeMode,
		Risk:           cfg.RiskLimits(),
		Execution:      exec,
		Metrics:        cfg.MetricsConfig(),
	}, nil
}

func timingEvent(runID, symbol, action string, d time.Duration, details map[string]any) types.AuditEvent {
	if details == nil {
		details = map[string]any{}
	}
	details["duration_ms"] = d.Milliseconds()
	return types.AuditEvent{
		RunID:   runID,
		Stage:   StageTiming,
		Symbol:  symbol,
		Action:  action,
		Details: details,
	}
}
