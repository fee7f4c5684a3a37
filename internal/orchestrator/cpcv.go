package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/artifacts"
	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/internal/config"
	"github.com/Marcux777/kairos-alloy-sub000/internal/cpcv"
	"github.com/Marcux777/kairos-alloy-sub000/internal/data"
	"github.com/Marcux777/kairos-alloy-sub000/internal/workers"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CPCVOutcome describes the folds generated over the configured series and
// the backtest of every test segment
type CPCVOutcome struct {
	RunID    string                 `json:"run_id"`
	Dir      string                 `json:"dir"`
	Files    []string               `json:"files"`
	Uploaded []string               `json:"uploaded,omitempty"`
	Rows     int                    `json:"rows"`
	Config   cpcv.Config            `json:"cpcv"`
	Folds    int                    `json:"folds"`
	Quality  data.QualityReport     `json:"data_quality"`
	Results  []artifacts.FoldResult `json:"results"`
}

type cpcvTask struct {
	fold    cpcv.Fold
	segment int
}

// CPCV splits the configured series into purged cross-validation folds,
// writes them to folds.csv and backtests the configured strategy on each
// test segment. Segment backtests run on a worker pool; results are
// ordered by fold then segment.
func (o *Orchestrator) CPCV(ctx context.Context) (*CPCVOutcome, error) {
	cfg := o.cfg
	runID := cfg.Run.RunID
	logger := o.logger.With(zap.String("run_id", runID), zap.String("mode", string(ModeCPCV)))
	start := time.Now()

	step, err := data.ParseTimeframe(cfg.Run.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: run.timeframe: %v", config.ErrInvalidConfig, err)
	}
	from, err := config.ParseTimestamp(cfg.CPCV.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: cpcv.start: %v", config.ErrInvalidConfig, err)
	}
	to, err := config.ParseTimestamp(cfg.CPCV.End)
	if err != nil {
		return nil, fmt.Errorf("%w: cpcv.end: %v", config.ErrInvalidConfig, err)
	}
	base, err := runnerConfig(cfg, runID)
	if err != nil {
		return nil, err
	}

	bars, _, err := o.loadBars(ctx, logger, cfg, step)
	if err != nil {
		return nil, err
	}
	bars = filterRange(bars, from, to)

	settings := cfg.CPCVSettings()
	folds, err := cpcv.Generate(bars, settings)
	if err != nil {
		return nil, err
	}

	dir := cfg.CPCV.Out
	if dir == "" {
		dir = filepath.Join(cfg.Paths.OutDir, string(ModeCPCV), runID)
	}
	foldsPath := filepath.Join(dir, artifacts.CPCVFoldsFile)
	if err := artifacts.WriteCPCVFoldsCSV(foldsPath, folds); err != nil {
		return nil, err
	}

	var tasks []cpcvTask
	for _, fold := range folds.Folds {
		for i := range fold.Test {
			tasks = append(tasks, cpcvTask{fold: fold, segment: i})
		}
	}

	poolCfg := workers.Config{
		Name:      string(ModeCPCV),
		Workers:   cfg.CPCV.Workers,
		QueueSize: len(tasks),
	}
	if o.metrics != nil {
		poolCfg.Observer = o.metrics
	}
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()
	defer pool.Stop()

	results := make([]artifacts.FoldResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			return pool.Do(gctx, workers.TaskFunc(func(taskCtx context.Context) error {
				seg := task.fold.Test[task.segment]
				summary, err := o.backtestSegment(taskCtx, base, task, bars[seg.StartIdx:seg.EndIdx+1])
				if err != nil {
					return fmt.Errorf("fold %d segment %d: %w", task.fold.ID, task.segment, err)
				}
				results[i] = artifacts.FoldResult{
					FoldID:     task.fold.ID,
					SegmentID:  task.segment,
					TestGroups: task.fold.TestGroups,
					StartTs:    seg.StartTs,
					EndTs:      seg.EndTs,
					Summary:    summary,
				}
				return nil
			}))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resultsPath := filepath.Join(dir, artifacts.CPCVResultsFile)
	if err := artifacts.WriteCPCVResultsCSV(resultsPath, results); err != nil {
		return nil, err
	}

	outcome := &CPCVOutcome{
		RunID:   runID,
		Dir:     dir,
		Files:   []string{foldsPath, resultsPath},
		Rows:    len(bars),
		Config:  settings,
		Folds:   len(folds.Folds),
		Quality: data.CheckQuality(bars, step),
		Results: results,
	}

	if o.uploader != nil {
		keys, err := o.uploader.UploadDir(ctx, dir, runID)
		if err != nil {
			logger.Warn("Artifact upload failed", zap.Error(err))
		}
		outcome.Uploaded = keys
	}

	o.metrics.ObserveStage(string(ModeCPCV), time.Since(start))
	logger.Info("CPCV finished",
		zap.Int("rows", outcome.Rows),
		zap.Int("folds", outcome.Folds),
		zap.Int("segments", len(results)),
		zap.String("dir", dir),
		zap.Duration("elapsed", time.Since(start)),
	)
	return outcome, nil
}

// backtestSegment runs a fresh strategy over one contiguous test segment
func (o *Orchestrator) backtestSegment(ctx context.Context, base backtester.RunnerConfig, task cpcvTask, bars []types.Bar) (types.Summary, error) {
	strat, err := o.strategies.New(ctx, o.cfg.StrategyConfig())
	if err != nil {
		return types.Summary{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	cfg := base
	cfg.RunID = fmt.Sprintf("%s-fold-%d-%d", base.RunID, task.fold.ID, task.segment)

	runner := backtester.NewRunner(zap.NewNop(), cfg, strat, data.NewVectorSource(bars))
	results, err := runner.Run(ctx, nil, nil)
	if err != nil {
		return types.Summary{}, err
	}
	return results.Summary, nil
}

// filterRange keeps bars with from <= timestamp <= to; nil bounds are open
func filterRange(bars []types.Bar, from, to *int64) []types.Bar {
	if from == nil && to == nil {
		return bars
	}
	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		if from != nil && b.Timestamp < *from {
			continue
		}
		if to != nil && b.Timestamp > *to {
			continue
		}
		out = append(out, b)
	}
	return out
}
