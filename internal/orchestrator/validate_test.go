package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/Marcux777/kairos-alloy-sub000/internal/orchestrator"
	"go.uber.org/zap"
)

func TestValidateReportsQualityWithoutRunning(t *testing.T) {
	cfg := testConfig(t)
	bars := minuteBars(100, 101, 102, 103)
	bars[3].Timestamp = 600

	o := orchestrator.New(zap.NewNop(), cfg, orchestrator.WithRepository(&memoryRepo{bars: bars}))
	report, err := o.Validate(context.Background(), false)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.OHLCV.Rows != 4 || report.OHLCV.Gaps != 1 {
		t.Errorf("Report incorrect: expected 4 rows and 1 gap, got %+v", report.OHLCV)
	}
	if !report.WithinLimits {
		t.Error("Disabled limits should pass")
	}
	if report.Resample != nil || report.Source != nil {
		t.Errorf("Unexpected resample section: %+v", report.Resample)
	}

	entries, _ := os.ReadDir(cfg.Paths.OutDir)
	if len(entries) != 0 {
		t.Errorf("Validate should write nothing, found %d entries", len(entries))
	}
	if _, ok := o.Runs().Get("run-1"); ok {
		t.Error("Validate should not register a run")
	}
}

func TestValidateStrictFailsOnLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataQuality.MaxGaps = 0
	bars := minuteBars(100, 101, 102)
	bars[2].Timestamp = 600
	o := orchestrator.New(zap.NewNop(), cfg, orchestrator.WithRepository(&memoryRepo{bars: bars}))

	report, err := o.Validate(context.Background(), false)
	if err != nil {
		t.Fatalf("Non-strict validate failed: %v", err)
	}
	if report.WithinLimits || report.Violation == "" {
		t.Errorf("Expected a violation, got %+v", report)
	}

	report, err = o.Validate(context.Background(), true)
	if !errors.Is(err, orchestrator.ErrValidationFailed) {
		t.Errorf("Error incorrect: expected ErrValidationFailed, got %v", err)
	}
	if report == nil || !report.Strict {
		t.Errorf("Strict report should still be returned, got %+v", report)
	}
}

func TestValidateResampledSeries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Timeframe = "5m"
	cfg.Data.SourceTimeframe = "1m"
	o := orchestrator.New(zap.NewNop(), cfg, orchestrator.WithRepository(&memoryRepo{bars: minuteBars(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}))

	report, err := o.Validate(context.Background(), true)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.Resample == nil || report.Source == nil {
		t.Fatal("Expected resample and source sections")
	}
	if report.Resample.SourceRows != 10 || report.Resample.ResampledRows != 2 {
		t.Errorf("Resample incorrect: got %+v", report.Resample)
	}
	if report.Resample.SourceStep != 60 || report.Resample.TargetStep != 300 {
		t.Errorf("Steps incorrect: got %+v", report.Resample)
	}
	if report.OHLCV.Rows != 2 || report.Source.Rows != 10 {
		t.Errorf("Rows incorrect: ohlcv %d, source %d", report.OHLCV.Rows, report.Source.Rows)
	}
}
