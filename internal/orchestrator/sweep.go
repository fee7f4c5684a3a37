package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/internal/config"
	"github.com/Marcux777/kairos-alloy-sub000/internal/data"
	"github.com/Marcux777/kairos-alloy-sub000/internal/strategy"
	"github.com/Marcux777/kairos-alloy-sub000/internal/workers"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepResult is the outcome of one SMA window pair
type SweepResult struct {
	Short   int           `json:"short"`
	Long    int           `json:"long"`
	Summary types.Summary `json:"summary"`
}

// Sweep backtests SimpleSMA over every short x long pair with short < long
// on the same bars. Results are sorted by Sharpe, then net profit, both
// descending. No artifacts are written.
func (o *Orchestrator) Sweep(ctx context.Context) ([]SweepResult, error) {
	cfg := o.cfg
	logger := o.logger.With(zap.String("run_id", cfg.Run.RunID), zap.String("mode", string(ModeSweep)))

	pairs := sweepPairs(cfg.Sweep.ShortWindows, cfg.Sweep.LongWindows)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: sweep needs at least one short < long window pair", config.ErrInvalidConfig)
	}

	step, err := data.ParseTimeframe(cfg.Run.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: run.timeframe: %v", config.ErrInvalidConfig, err)
	}
	base, err := runnerConfig(cfg, cfg.Run.RunID)
	if err != nil {
		return nil, err
	}
	bars, _, err := o.loadBars(ctx, logger, cfg, step)
	if err != nil {
		return nil, err
	}

	poolCfg := workers.Config{
		Name:      string(ModeSweep),
		Workers:   cfg.Sweep.Workers,
		QueueSize: len(pairs),
	}
	if o.metrics != nil {
		poolCfg.Observer = o.metrics
	}
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()
	defer pool.Stop()

	start := time.Now()
	results := make([]SweepResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		g.Go(func() error {
			return pool.Do(gctx, workers.TaskFunc(func(taskCtx context.Context) error {
				summary, err := sweepOne(taskCtx, base, pair, bars)
				if err != nil {
					return fmt.Errorf("sma %d/%d: %w", pair[0], pair[1], err)
				}
				results[i] = SweepResult{Short: pair[0], Long: pair[1], Summary: summary}
				return nil
			}))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Summary, results[j].Summary
		if a.Sharpe != b.Sharpe {
			return a.Sharpe > b.Sharpe
		}
		return a.NetProfit > b.NetProfit
	})

	o.metrics.ObserveStage(string(ModeSweep), time.Since(start))
	logger.Info("Sweep finished",
		zap.Int("combinations", len(results)),
		zap.Int("best_short", results[0].Short),
		zap.Int("best_long", results[0].Long),
		zap.Float64("best_sharpe", results[0].Summary.Sharpe),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, nil
}

func sweepOne(ctx context.Context, base backtester.RunnerConfig, pair [2]int, bars []types.Bar) (types.Summary, error) {
	strat, err := strategy.NewSimpleSMA(pair[0], pair[1])
	if err != nil {
		return types.Summary{}, err
	}
	cfg := base
	cfg.RunID = fmt.Sprintf("%s-sma-%d-%d", base.RunID, pair[0], pair[1])

	runner := backtester.NewRunner(zap.NewNop(), cfg, strat, data.NewVectorSource(bars))
	results, err := runner.Run(ctx, nil, nil)
	if err != nil {
		return types.Summary{}, err
	}
	return results.Summary, nil
}

// sweepPairs lists (short, long) pairs in input order
func sweepPairs(shorts, longs []int) [][2]int {
	var pairs [][2]int
	for _, s := range shorts {
		for _, l := range longs {
			if s > 0 && s < l {
				pairs = append(pairs, [2]int{s, l})
			}
		}
	}
	return pairs
}
