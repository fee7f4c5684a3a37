package backtester_test

import (
	"math"
	"strings"
	"testing"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

func curve(values ...float64) []types.EquityPoint {
	out := make([]types.EquityPoint, len(values))
	for i, v := range values {
		out[i] = types.EquityPoint{Timestamp: int64(i), Equity: v}
	}
	return out
}

func TestMetricsDrawdownAndNetProfit(t *testing.T) {
	m := backtester.NewMetricsState(types.MetricsConfig{})
	for _, p := range curve(100, 120, 90, 110) {
		m.RecordEquity(p)
	}

	if math.Abs(m.MaxDrawdown()-0.25) > 1e-9 {
		t.Errorf("Max drawdown incorrect: expected 0.25, got %f", m.MaxDrawdown())
	}
	s := m.Summary()
	if s.BarsProcessed != 4 {
		t.Errorf("Bars incorrect: expected 4, got %d", s.BarsProcessed)
	}
	if s.NetProfit != 10 {
		t.Errorf("Net profit incorrect: expected 10, got %f", s.NetProfit)
	}
}

func TestSharpeRatio(t *testing.T) {
	if got := backtester.SharpeRatio(curve(100), types.MetricsConfig{}); got != 0 {
		t.Errorf("Single point sharpe should be 0, got %f", got)
	}
	if got := backtester.SharpeRatio(curve(100, 100, 100), types.MetricsConfig{}); got != 0 {
		t.Errorf("Flat curve sharpe should be 0, got %f", got)
	}

	got := backtester.SharpeRatio(curve(100, 110, 99, 108.9), types.MetricsConfig{})
	returns := []float64{0.1, -0.1, 0.1}
	mean := (0.1 - 0.1 + 0.1) / 3
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= 2
	expected := mean / math.Sqrt(variance) * math.Sqrt(3)
	if math.Abs(got-expected) > 1e-9 {
		t.Errorf("Sharpe incorrect: expected %f, got %f", expected, got)
	}

	annual := backtester.SharpeRatio(curve(100, 110, 99, 108.9), types.MetricsConfig{AnnualizationFactor: 12})
	if math.Abs(annual-mean/math.Sqrt(variance)*math.Sqrt(12)) > 1e-9 {
		t.Errorf("Annualized sharpe incorrect: got %f", annual)
	}
}

func TestWinRate(t *testing.T) {
	trades := []types.Trade{
		{Side: types.SideBuy, Quantity: 1, Price: 100, Fee: 1},
		{Side: types.SideSell, Quantity: 1, Price: 102},
		{Side: types.SideBuy, Quantity: 2, Price: 100},
		{Side: types.SideSell, Quantity: 1, Price: 99},
		{Side: types.SideSell, Quantity: 1, Price: 100.5, Fee: 1},
		{Side: types.SideSell, Quantity: 1, Price: 200},
	}

	got := backtester.WinRate(trades)
	if math.Abs(got-1.0/3.0) > 1e-9 {
		t.Errorf("Win rate incorrect: expected 0.333, got %f", got)
	}
	if backtester.WinRate(nil) != 0 {
		t.Error("Empty trades should have 0 win rate")
	}
}

func TestExecutionConfigValidate(t *testing.T) {
	if err := backtester.SimpleExecution(5).Validate(); err != nil {
		t.Errorf("Simple defaults should validate: %v", err)
	}
	if err := backtester.CompleteExecutionDefaults().Validate(); err != nil {
		t.Errorf("Complete defaults should validate: %v", err)
	}

	bad := backtester.CompleteExecutionDefaults()
	bad.MaxFillPctOfVolume = 0
	bad.SpreadBps = -1
	bad.TIF = "day"
	err := bad.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"max_fill_pct_of_volume", "spread_bps", "time in force"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validation error missing %q: %v", want, err)
		}
	}
}

func TestParseExecutionEnums(t *testing.T) {
	if m, err := backtester.ParseExecutionModel(" Complete "); err != nil || m != backtester.ExecutionComplete {
		t.Errorf("ParseExecutionModel incorrect: %v %v", m, err)
	}
	if k, err := backtester.ParseOrderKind("STOP"); err != nil || k != backtester.OrderStop {
		t.Errorf("ParseOrderKind incorrect: %v %v", k, err)
	}
	if _, err := backtester.ParseTimeInForce("gtd"); err == nil {
		t.Error("Expected error for unknown TIF")
	}
	if r, err := backtester.ParsePriceReference("open"); err != nil || r != backtester.PriceRefOpen {
		t.Errorf("ParsePriceReference incorrect: %v %v", r, err)
	}
}
