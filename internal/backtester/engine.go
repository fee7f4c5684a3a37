// Package backtester provides the deterministic bar-by-bar simulation engine
// shared by backtests, paper replays and realtime paper runs.
//
// Prices, quantities and cash are plain float64 throughout the engine.
// Only the artifact writers convert them, to shortest decimal text.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// ErrCancelled is returned when a run stops before its source is exhausted
// because of a cancel request or context cancellation.
var ErrCancelled = errors.New("run cancelled")

// DefaultProgressEvery is the bar interval between progress samples
const DefaultProgressEvery = 10

// Strategy decides an action for each bar
type Strategy interface {
	Name() string
	OnBar(bar types.Bar, portfolio PortfolioView) types.Action
}

// AuditDrainer is implemented by strategies that keep their own audit trail
type AuditDrainer interface {
	DrainAuditEvents() []types.AuditEvent
}

// BarSource yields bars in time order. It returns false when exhausted or
// when ctx is done.
type BarSource interface {
	NextBar(ctx context.Context) (types.Bar, bool)
}

// RunControl is polled by the runner once per bar
type RunControl interface {
	ShouldCancel() bool
	WaitIfPaused() bool
}

// pauseReporter is implemented by controls that can report the paused state
type pauseReporter interface {
	IsPaused() bool
}

// NoopControl never pauses and never cancels
type NoopControl struct{}

func (NoopControl) ShouldCancel() bool { return false }
func (NoopControl) WaitIfPaused() bool { return true }

// RunnerConfig holds everything the runner needs besides strategy and data
type RunnerConfig struct {
	RunID          string
	Symbol         string
	InitialCapital float64
	FeeBps         float64
	SizeMode       types.SizeMode
	Risk           types.RiskLimits
	Execution      ExecutionConfig
	Metrics        types.MetricsConfig
	ProgressEvery  uint64
}

// Results is the outcome of a completed run
type Results struct {
	RunID       string              `json:"run_id"`
	Summary     types.Summary       `json:"summary"`
	Trades      []types.Trade       `json:"trades"`
	Equity      []types.EquityPoint `json:"equity"`
	AuditEvents []types.AuditEvent  `json:"audit_events"`
	Halted      bool                `json:"halted"`
}

// Runner drives a strategy over a bar source through the execution
// simulator and risk gate. A Runner is single use.
type Runner struct {
	logger   *zap.Logger
	cfg      RunnerConfig
	strategy Strategy
	source   BarSource

	portfolio *Portfolio
	risk      *RiskManager
	metrics   *MetricsState
	audit     *auditLog

	barIndex    uint64
	openOrders  []*pendingOrder
	nextOrderID uint64

	running atomic.Bool
	done    atomic.Bool
}

// NewRunner creates a runner
func NewRunner(logger *zap.Logger, cfg RunnerConfig, strategy Strategy, source BarSource) *Runner {
	if cfg.SizeMode == "" {
		cfg.SizeMode = types.SizeModeQty
	}
	if cfg.ProgressEvery == 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.Execution.Model == "" {
		cfg.Execution = SimpleExecution(0)
	}

	return &Runner{
		logger:      logger.With(zap.String("run_id", cfg.RunID)),
		cfg:         cfg,
		strategy:    strategy,
		source:      source,
		portfolio:   NewPortfolio(cfg.Symbol, cfg.InitialCapital),
		risk:        NewRiskManager(logger, cfg.Risk),
		metrics:     NewMetricsState(cfg.Metrics),
		audit:       newAuditLog(cfg.RunID, cfg.Symbol),
		nextOrderID: 1,
	}
}

// Portfolio exposes the runner's portfolio for inspection
func (r *Runner) Portfolio() *Portfolio {
	return r.portfolio
}

// Run executes the simulation until the source is exhausted. Progress
// samples are sent on progress without blocking; pass nil to disable.
// On cancellation it returns ErrCancelled and no results.
func (r *Runner) Run(ctx context.Context, control RunControl, progress chan<- types.BarProgress) (*Results, error) {
	if r.running.Swap(true) || r.done.Load() {
		return nil, fmt.Errorf("runner already used")
	}
	defer func() {
		r.running.Store(false)
		r.done.Store(true)
	}()

	if control == nil {
		control = NoopControl{}
	}
	pauser, _ := control.(pauseReporter)

	startTime := time.Now()
	r.audit.add(0, StageEngine, "start", "", map[string]any{
		"strategy":  r.strategy.Name(),
		"size_mode": string(r.cfg.SizeMode),
		"execution": map[string]any{
			"model":                  string(r.cfg.Execution.Model),
			"latency_bars":           r.cfg.Execution.LatencyBars,
			"buy_kind":               string(r.cfg.Execution.BuyKind),
			"sell_kind":              string(r.cfg.Execution.SellKind),
			"tif":                    string(r.cfg.Execution.TIF),
			"max_fill_pct_of_volume": r.cfg.Execution.MaxFillPctOfVolume,
			"spread_bps":             r.cfg.Execution.SpreadBps,
			"slippage_bps":           r.cfg.Execution.SlippageBps,
		},
	})

	r.logger.Info("Starting run",
		zap.String("symbol", r.cfg.Symbol),
		zap.String("strategy", r.strategy.Name()),
		zap.String("execution", string(r.cfg.Execution.Model)),
	)

	var (
		last     types.BarProgress
		lastSent uint64
	)

	for {
		select {
		case <-ctx.Done():
			return nil, r.cancelled("context done")
		default:
		}
		if control.ShouldCancel() {
			return nil, r.cancelled("cancel requested")
		}

		bar, ok := r.source.NextBar(ctx)
		if !ok {
			if control.ShouldCancel() || ctx.Err() != nil {
				return nil, r.cancelled("source stopped after cancel")
			}
			break
		}

		r.barIndex++
		fills := r.processOpenOrders(bar)

		if !control.WaitIfPaused() {
			return nil, r.cancelled("cancelled while paused")
		}

		if !r.risk.Halted() {
			action := r.strategy.OnBar(bar, r.portfolio)
			r.scheduleOrder(bar, action)
		}

		point := r.portfolio.Snapshot(bar.Timestamp, bar.Close)
		r.metrics.RecordEquity(point)

		dd := r.metrics.MaxDrawdown()
		if r.risk.CheckDrawdown(dd) {
			r.audit.add(bar.Timestamp, StageRisk, "halt_drawdown", "", map[string]any{
				"drawdown_pct":     dd,
				"max_drawdown_pct": r.cfg.Risk.MaxDrawdownPct,
			})
		}

		paused := pauser != nil && pauser.IsPaused()
		last = types.BarProgress{
			RunID:     r.cfg.RunID,
			BarIndex:  r.barIndex,
			Timestamp: bar.Timestamp,
			Close:     bar.Close,
			Equity:    point.Equity,
			Paused:    paused,
			Halted:    r.risk.Halted(),
			Fills:     fills,
		}
		if r.barIndex == 1 || r.barIndex%r.cfg.ProgressEvery == 0 || len(fills) > 0 || paused {
			r.sendProgress(progress, last)
			lastSent = r.barIndex
		}
	}

	if r.barIndex > 0 && lastSent != r.barIndex {
		last.Fills = nil
		r.sendProgress(progress, last)
	}

	if drainer, ok := r.strategy.(AuditDrainer); ok {
		r.audit.append(drainer.DrainAuditEvents()...)
	}

	summary := r.metrics.Summary()
	r.audit.add(0, StageEngine, "complete", "", map[string]any{
		"bars_processed": summary.BarsProcessed,
		"trades":         summary.Trades,
		"net_profit":     summary.NetProfit,
		"sharpe":         summary.Sharpe,
		"max_drawdown":   summary.MaxDrawdown,
		"halt_trading":   r.risk.Halted(),
	})

	r.logger.Info("Run completed",
		zap.Int("bars", summary.BarsProcessed),
		zap.Int("trades", summary.Trades),
		zap.Float64("net_profit", summary.NetProfit),
		zap.Float64("sharpe", summary.Sharpe),
		zap.Duration("duration", time.Since(startTime)),
	)

	return &Results{
		RunID:       r.cfg.RunID,
		Summary:     summary,
		Trades:      r.metrics.Trades(),
		Equity:      r.metrics.Equity(),
		AuditEvents: r.audit.sorted(),
		Halted:      r.risk.Halted(),
	}, nil
}

func (r *Runner) cancelled(reason string) error {
	r.logger.Info("Run cancelled",
		zap.String("reason", reason),
		zap.Uint64("bar_index", r.barIndex),
	)
	return ErrCancelled
}

// sendProgress delivers a sample without blocking the simulation
func (r *Runner) sendProgress(ch chan<- types.BarProgress, p types.BarProgress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
		// Channel full, skip update
	}
}
