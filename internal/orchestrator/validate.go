package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/config"
	"github.com/Marcux777/kairos-alloy-sub000/internal/data"
	"go.uber.org/zap"
)

// ErrValidationFailed is returned by a strict validation whose report
// exceeds the data_quality limits
var ErrValidationFailed = errors.New("strict validation failed")

// ResampleInfo describes the source to run timeframe conversion
type ResampleInfo struct {
	FromTimeframe string `json:"from_timeframe"`
	ToTimeframe   string `json:"to_timeframe"`
	SourceStep    int64  `json:"source_step_seconds"`
	TargetStep    int64  `json:"target_step_seconds"`
	SourceRows    int    `json:"source_rows"`
	ResampledRows int    `json:"resampled_rows"`
}

// ValidationReport is the data quality of the configured series. Source
// and Resample are set only when the series was resampled; OHLCV then
// describes the resampled bars.
type ValidationReport struct {
	RunID           string                   `json:"run_id"`
	Symbol          string                   `json:"symbol"`
	Timeframe       string                   `json:"timeframe"`
	SourceTimeframe string                   `json:"source_timeframe"`
	Strict          bool                     `json:"strict"`
	Source          *data.QualityReport      `json:"ohlcv_source,omitempty"`
	Resample        *ResampleInfo            `json:"ohlcv_resample,omitempty"`
	OHLCV           data.QualityReport       `json:"ohlcv"`
	Limits          config.DataQualityConfig `json:"limits"`
	WithinLimits    bool                     `json:"within_limits"`
	Violation       string                   `json:"violation,omitempty"`
}

// Validate loads the configured series and reports its quality without
// running a strategy. With strict set, exceeding a data_quality limit
// returns ErrValidationFailed alongside the report.
func (o *Orchestrator) Validate(ctx context.Context, strict bool) (*ValidationReport, error) {
	cfg := o.cfg
	logger := o.logger.With(zap.String("run_id", cfg.Run.RunID), zap.String("mode", string(ModeValidate)))
	start := time.Now()

	step, err := data.ParseTimeframe(cfg.Run.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: run.timeframe: %v", config.ErrInvalidConfig, err)
	}
	src, err := o.fetchSource(ctx, cfg, step)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{
		RunID:           cfg.Run.RunID,
		Symbol:          cfg.Run.Symbol,
		Timeframe:       cfg.Run.Timeframe,
		SourceTimeframe: src.timeframe,
		Strict:          strict,
		OHLCV:           src.report,
		Limits:          cfg.DataQuality,
	}

	if src.step != step {
		resampled, err := data.Resample(data.CleanBars(src.bars), step)
		if err != nil {
			return nil, fmt.Errorf("resample ohlcv: %w", err)
		}
		sourceReport := src.report
		report.Source = &sourceReport
		report.Resample = &ResampleInfo{
			FromTimeframe: src.timeframe,
			ToTimeframe:   cfg.Run.Timeframe,
			SourceStep:    src.step,
			TargetStep:    step,
			SourceRows:    len(src.bars),
			ResampledRows: len(resampled),
		}
		report.OHLCV = data.CheckQuality(resampled, step)
	}

	report.WithinLimits = true
	if err := cfg.DataQuality.CheckQuality(report.OHLCV); err != nil {
		report.WithinLimits = false
		report.Violation = err.Error()
	}

	o.metrics.ObserveStage(string(ModeValidate), time.Since(start))
	logger.Info("Validation finished",
		append(report.OHLCV.Fields(),
			zap.Bool("within_limits", report.WithinLimits),
			zap.Bool("strict", strict),
		)...,
	)

	if strict && !report.WithinLimits {
		return report, fmt.Errorf("%w: %s", ErrValidationFailed, report.Violation)
	}
	return report, nil
}
