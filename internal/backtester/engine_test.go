// Package backtester_test provides tests for the simulation engine.
package backtester_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/internal/runcontrol"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

type sliceSource struct {
	bars []types.Bar
	idx  int
}

func (s *sliceSource) NextBar(ctx context.Context) (types.Bar, bool) {
	if ctx.Err() != nil || s.idx >= len(s.bars) {
		return types.Bar{}, false
	}
	b := s.bars[s.idx]
	s.idx++
	return b, true
}

// endlessSource keeps producing flat bars until ctx is done
type endlessSource struct {
	ts int64
}

func (s *endlessSource) NextBar(ctx context.Context) (types.Bar, bool) {
	if ctx.Err() != nil {
		return types.Bar{}, false
	}
	s.ts += 60
	return flatBar(s.ts, 100, 1000), true
}

type sequenceStrategy struct {
	actions []types.Action
	calls   atomic.Int64
}

func (s *sequenceStrategy) Name() string { return "sequence" }

func (s *sequenceStrategy) OnBar(_ types.Bar, _ backtester.PortfolioView) types.Action {
	i := int(s.calls.Add(1)) - 1
	if i < len(s.actions) {
		return s.actions[i]
	}
	return types.HoldAction()
}

type alwaysStrategy struct {
	action types.Action
}

func (s *alwaysStrategy) Name() string { return "always" }

func (s *alwaysStrategy) OnBar(_ types.Bar, _ backtester.PortfolioView) types.Action {
	return s.action
}

func buy(size float64) types.Action  { return types.Action{Type: types.ActionBuy, Size: size} }
func sell(size float64) types.Action { return types.Action{Type: types.ActionSell, Size: size} }

func flatBar(ts int64, price, volume float64) types.Bar {
	return types.Bar{Symbol: "BTCUSD", Timestamp: ts, Open: price, High: price, Low: price, Close: price, Volume: volume}
}

func newRunner(capital float64, exec backtester.ExecutionConfig, strategy backtester.Strategy, bars []types.Bar) *backtester.Runner {
	cfg := backtester.RunnerConfig{
		RunID:          "test",
		Symbol:         "BTCUSD",
		InitialCapital: capital,
		SizeMode:       types.SizeModeQty,
		Risk:           types.DefaultRiskLimits(),
		Execution:      exec,
	}
	return backtester.NewRunner(zap.NewNop(), cfg, strategy, &sliceSource{bars: bars})
}

func completeExec(mutate func(*backtester.ExecutionConfig)) backtester.ExecutionConfig {
	c := backtester.CompleteExecutionDefaults()
	c.LimitOffsetBps = 100
	c.StopOffsetBps = 100
	c.MaxFillPctOfVolume = 1.0
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func hasAudit(events []types.AuditEvent, stage, action, errMsg string) bool {
	for _, e := range events {
		if e.Stage == stage && e.Action == action && e.Error == errMsg {
			return true
		}
	}
	return false
}

func TestRunCountsProcessedBars(t *testing.T) {
	bars := []types.Bar{flatBar(1, 1, 1), flatBar(2, 1, 1)}
	runner := newRunner(1000, backtester.SimpleExecution(0), &sequenceStrategy{}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Summary.BarsProcessed != 2 {
		t.Errorf("Bars processed incorrect: expected 2, got %d", result.Summary.BarsProcessed)
	}
	if len(result.Equity) != 2 {
		t.Errorf("Equity points incorrect: expected 2, got %d", len(result.Equity))
	}
	if result.AuditEvents[0].Stage != backtester.StageEngine {
		t.Errorf("Expected engine events first, got %s/%s", result.AuditEvents[0].Stage, result.AuditEvents[0].Action)
	}
}

func TestSimpleBuyFillsAtNextOpen(t *testing.T) {
	bars := []types.Bar{
		{Symbol: "BTCUSD", Timestamp: 1, Open: 100, High: 100, Low: 100, Close: 100, Volume: 10},
		{Symbol: "BTCUSD", Timestamp: 2, Open: 102, High: 104, Low: 101, Close: 103, Volume: 10},
	}
	runner := newRunner(1000, backtester.SimpleExecution(0), &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]
	if trade.Timestamp != 2 || trade.Price != 102 {
		t.Errorf("Fill incorrect: expected ts 2 at 102, got ts %d at %f", trade.Timestamp, trade.Price)
	}
	if trade.StrategyID != "sequence" || trade.Reason != "strategy" {
		t.Errorf("Trade attribution incorrect: %s/%s", trade.StrategyID, trade.Reason)
	}
}

func TestBuyQtyNeverMakesCashNegative(t *testing.T) {
	cfg := backtester.RunnerConfig{
		RunID:          "cash",
		Symbol:         "BTCUSD",
		InitialCapital: 1000,
		Risk:           types.RiskLimits{MaxDrawdownPct: 1},
		Execution:      backtester.SimpleExecution(10),
	}
	bars := []types.Bar{flatBar(1, 100, 10), flatBar(2, 100, 10), flatBar(3, 100, 10)}
	runner := backtester.NewRunner(zap.NewNop(), cfg, &sequenceStrategy{actions: []types.Action{buy(100)}}, &sliceSource{bars: bars})

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Equity) == 0 {
		t.Fatal("Equity curve is empty")
	}
	for _, p := range result.Equity {
		if p.Cash < -1e-9 {
			t.Errorf("Cash went negative: %f", p.Cash)
		}
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 cash-capped trade, got %d", len(result.Trades))
	}
	if result.Trades[0].Quantity >= 100 {
		t.Errorf("Buy was not capped by cash: %f", result.Trades[0].Quantity)
	}
}

func TestBuyWithZeroCashIsRejected(t *testing.T) {
	bars := []types.Bar{flatBar(1, 100, 10), flatBar(2, 100, 10)}
	runner := newRunner(0, backtester.SimpleExecution(0), &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Errorf("Expected no trades, got %d", len(result.Trades))
	}
	if !hasAudit(result.AuditEvents, backtester.StageOrder, "reject", backtester.RejectInsufficientCash) {
		t.Error("Expected insufficient_cash reject event")
	}
}

func TestRejectReasons(t *testing.T) {
	tests := []struct {
		name    string
		actions []types.Action
		limits  types.RiskLimits
		reason  string
	}{
		{"zero size", []types.Action{buy(0)}, types.DefaultRiskLimits(), backtester.RejectNonPositiveSize},
		{"nan size", []types.Action{buy(math.NaN())}, types.DefaultRiskLimits(), backtester.RejectSizeNotFinite},
		{"sell flat", []types.Action{sell(1)}, types.DefaultRiskLimits(), backtester.RejectNoPosition},
		{"position cap", []types.Action{buy(3)}, types.RiskLimits{MaxPositionQty: 2, MaxDrawdownPct: 1, MaxExposurePct: 1}, backtester.RejectPositionLimit},
		{"exposure cap", []types.Action{buy(6)}, types.RiskLimits{MaxDrawdownPct: 1, MaxExposurePct: 0.5}, backtester.RejectExposureLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := backtester.RunnerConfig{
				RunID:          "reject",
				Symbol:         "BTCUSD",
				InitialCapital: 1000,
				SizeMode:       types.SizeModeQty,
				Risk:           tt.limits,
				Execution:      backtester.SimpleExecution(0),
			}
			bars := []types.Bar{flatBar(1, 100, 10), flatBar(2, 100, 10)}
			runner := backtester.NewRunner(zap.NewNop(), cfg, &sequenceStrategy{actions: tt.actions}, &sliceSource{bars: bars})

			result, err := runner.Run(context.Background(), nil, nil)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(result.Trades) != 0 {
				t.Errorf("Expected no trades, got %d", len(result.Trades))
			}
			if !hasAudit(result.AuditEvents, backtester.StageOrder, "reject", tt.reason) {
				t.Errorf("Expected reject %s", tt.reason)
			}
		})
	}
}

func TestPctEquitySizing(t *testing.T) {
	cfg := backtester.RunnerConfig{
		RunID:          "pct",
		Symbol:         "BTCUSD",
		InitialCapital: 1000,
		SizeMode:       types.SizeModePctEquity,
		Risk:           types.DefaultRiskLimits(),
		Execution:      backtester.SimpleExecution(0),
	}
	bars := []types.Bar{flatBar(1, 100, 10), flatBar(2, 100, 10), flatBar(3, 100, 10), flatBar(4, 100, 10)}
	strategy := &sequenceStrategy{actions: []types.Action{buy(0.5), sell(0.5)}}
	runner := backtester.NewRunner(zap.NewNop(), cfg, strategy, &sliceSource{bars: bars})

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(result.Trades))
	}
	if math.Abs(result.Trades[0].Quantity-5) > 1e-9 {
		t.Errorf("Buy qty incorrect: expected 5, got %f", result.Trades[0].Quantity)
	}
	if math.Abs(result.Trades[1].Quantity-2.5) > 1e-9 {
		t.Errorf("Sell qty incorrect: expected 2.5, got %f", result.Trades[1].Quantity)
	}
}

func TestCompleteLimitBuyFillsOnTouchLow(t *testing.T) {
	bars := []types.Bar{
		flatBar(1, 100, 10_000),
		{Symbol: "BTCUSD", Timestamp: 2, Open: 100, High: 100, Low: 98, Close: 100, Volume: 10_000},
	}
	exec := completeExec(func(c *backtester.ExecutionConfig) { c.BuyKind = backtester.OrderLimit })
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(result.Trades))
	}
	if result.Trades[0].Side != types.SideBuy {
		t.Errorf("Expected BUY, got %s", result.Trades[0].Side)
	}
	if math.Abs(result.Trades[0].Price-99) > 1e-9 {
		t.Errorf("Fill price incorrect: expected 99, got %f", result.Trades[0].Price)
	}
}

func TestCompleteLimitBuyGapFillsAtOpen(t *testing.T) {
	bars := []types.Bar{
		flatBar(1, 100, 10_000),
		{Symbol: "BTCUSD", Timestamp: 2, Open: 97, High: 98, Low: 96, Close: 97, Volume: 10_000},
	}
	exec := completeExec(func(c *backtester.ExecutionConfig) { c.BuyKind = backtester.OrderLimit })
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(result.Trades))
	}
	if result.Trades[0].Price != 97 {
		t.Errorf("Gap fill price incorrect: expected 97, got %f", result.Trades[0].Price)
	}
}

func TestCompleteLimitBuyDoesNotFillWhenNotTouched(t *testing.T) {
	bars := []types.Bar{
		flatBar(1, 100, 10_000),
		{Symbol: "BTCUSD", Timestamp: 2, Open: 100, High: 100, Low: 99.5, Close: 100, Volume: 10_000},
	}
	exec := completeExec(func(c *backtester.ExecutionConfig) { c.BuyKind = backtester.OrderLimit })
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Errorf("Expected no trades, got %d", len(result.Trades))
	}
}

func TestCompleteStopSellTriggersOnTouchLow(t *testing.T) {
	bars := []types.Bar{
		flatBar(1, 100, 10_000),
		flatBar(2, 100, 10_000),
		{Symbol: "BTCUSD", Timestamp: 3, Open: 100, High: 101, Low: 98, Close: 100, Volume: 10_000},
	}
	exec := completeExec(func(c *backtester.ExecutionConfig) { c.SellKind = backtester.OrderStop })
	strategy := &sequenceStrategy{actions: []types.Action{buy(1), sell(1)}}
	runner := newRunner(10_000, exec, strategy, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(result.Trades))
	}
	if result.Trades[0].Side != types.SideBuy || result.Trades[0].Timestamp != 2 {
		t.Errorf("First trade incorrect: %+v", result.Trades[0])
	}
	if result.Trades[1].Side != types.SideSell || result.Trades[1].Timestamp != 3 {
		t.Errorf("Second trade incorrect: %+v", result.Trades[1])
	}
	if math.Abs(result.Trades[1].Price-99) > 1e-9 {
		t.Errorf("Stop fill price incorrect: expected 99, got %f", result.Trades[1].Price)
	}
}

func TestCompleteLatencyDelaysActivation(t *testing.T) {
	bars := []types.Bar{flatBar(1, 10, 10_000), flatBar(2, 10, 10_000), flatBar(3, 10, 10_000)}
	exec := completeExec(func(c *backtester.ExecutionConfig) { c.LatencyBars = 2 })
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(result.Trades))
	}
	if result.Trades[0].Timestamp != 3 {
		t.Errorf("Fill bar incorrect: expected 3, got %d", result.Trades[0].Timestamp)
	}
}

func TestCompleteVolumeCapPartialFillAcrossBars(t *testing.T) {
	bars := []types.Bar{flatBar(1, 10, 10), flatBar(2, 10, 10), flatBar(3, 10, 10), flatBar(4, 10, 10)}
	exec := completeExec(func(c *backtester.ExecutionConfig) { c.MaxFillPctOfVolume = 0.1 })
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(3)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 3 {
		t.Fatalf("Expected 3 partial fills, got %d", len(result.Trades))
	}
	var total float64
	for _, tr := range result.Trades {
		total += tr.Quantity
	}
	if math.Abs(total-3) > 1e-9 {
		t.Errorf("Total filled incorrect: expected 3, got %f", total)
	}
	if !hasAudit(result.AuditEvents, backtester.StageOrder, "partial_fill", "") {
		t.Error("Expected partial_fill audit event")
	}
}

func TestCompleteFOKCancelsIfVolumeInsufficient(t *testing.T) {
	bars := []types.Bar{flatBar(1, 10, 10), flatBar(2, 10, 10)}
	exec := completeExec(func(c *backtester.ExecutionConfig) {
		c.MaxFillPctOfVolume = 0.1
		c.TIF = backtester.TIFFillOrKill
	})
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(3)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Errorf("Expected no trades, got %d", len(result.Trades))
	}
	if !hasAudit(result.AuditEvents, backtester.StageOrder, "cancel", backtester.CancelFOKUnfillable) {
		t.Error("Expected fok_unfillable cancel event")
	}
}

func TestCompleteIOCCancelsRemainder(t *testing.T) {
	bars := []types.Bar{flatBar(1, 10, 10), flatBar(2, 10, 10), flatBar(3, 10, 10)}
	exec := completeExec(func(c *backtester.ExecutionConfig) {
		c.MaxFillPctOfVolume = 0.1
		c.TIF = backtester.TIFImmediateOrCancel
	})
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(3)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(result.Trades))
	}
	if math.Abs(result.Trades[0].Quantity-1) > 1e-9 {
		t.Errorf("IOC fill qty incorrect: expected 1, got %f", result.Trades[0].Quantity)
	}
	if !hasAudit(result.AuditEvents, backtester.StageOrder, "cancel", backtester.CancelIOCPartial) {
		t.Error("Expected ioc_partial_cancel event")
	}
}

func TestCompleteOrderExpires(t *testing.T) {
	bars := []types.Bar{flatBar(1, 100, 10_000), flatBar(2, 100, 10_000), flatBar(3, 100, 10_000), flatBar(4, 100, 10_000)}
	exec := completeExec(func(c *backtester.ExecutionConfig) {
		c.BuyKind = backtester.OrderLimit
		c.ExpireAfterBars = 1
	})
	runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Errorf("Expected no trades, got %d", len(result.Trades))
	}
	if !hasAudit(result.AuditEvents, backtester.StageOrder, "cancel", backtester.CancelExpired) {
		t.Error("Expected expired cancel event")
	}
}

func TestCompleteTriggerPrices(t *testing.T) {
	testBar := func(o, h, l float64) types.Bar {
		return types.Bar{Symbol: "BTCUSD", Open: o, High: h, Low: l, Close: o, Volume: 10_000}
	}
	tests := []struct {
		name   string
		side   types.Side
		kind   backtester.OrderKind
		bar    types.Bar
		price  float64
		reason string
	}{
		{"limit buy touch", types.SideBuy, backtester.OrderLimit, testBar(100, 100, 98), 99, "touch_limit"},
		{"limit buy gap", types.SideBuy, backtester.OrderLimit, testBar(97, 98, 96), 97, "open<=limit"},
		{"limit sell touch", types.SideSell, backtester.OrderLimit, testBar(100, 102, 100), 101, "touch_limit"},
		{"limit sell gap", types.SideSell, backtester.OrderLimit, testBar(103, 104, 102), 103, "open>=limit"},
		{"stop buy touch", types.SideBuy, backtester.OrderStop, testBar(100, 102, 99), 101, "touch_stop"},
		{"stop buy gap", types.SideBuy, backtester.OrderStop, testBar(103, 104, 102), 103, "open>=stop"},
		{"stop sell touch", types.SideSell, backtester.OrderStop, testBar(100, 101, 98), 99, "touch_stop"},
		{"stop sell gap", types.SideSell, backtester.OrderStop, testBar(97, 98, 96), 97, "open<=stop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exec backtester.ExecutionConfig
			var bars []types.Bar
			var actions []types.Action
			if tt.side == types.SideBuy {
				exec = completeExec(func(c *backtester.ExecutionConfig) { c.BuyKind = tt.kind })
				bars = []types.Bar{flatBar(1, 100, 10_000)}
				actions = []types.Action{buy(1)}
			} else {
				exec = completeExec(func(c *backtester.ExecutionConfig) { c.SellKind = tt.kind })
				bars = []types.Bar{flatBar(1, 100, 10_000), flatBar(2, 100, 10_000)}
				actions = []types.Action{buy(1), sell(1)}
			}
			bar := tt.bar
			bar.Timestamp = int64(len(bars) + 1)
			bars = append(bars, bar)

			runner := newRunner(10_000, exec, &sequenceStrategy{actions: actions}, bars)
			result, err := runner.Run(context.Background(), nil, nil)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(result.Trades) != len(actions) {
				t.Fatalf("Expected %d trades, got %d", len(actions), len(result.Trades))
			}
			last := result.Trades[len(result.Trades)-1]
			if last.Side != tt.side || last.Timestamp != bar.Timestamp {
				t.Errorf("Fill incorrect: expected %s at %d, got %s at %d", tt.side, bar.Timestamp, last.Side, last.Timestamp)
			}
			if math.Abs(last.Price-tt.price) > 1e-9 {
				t.Errorf("Fill price incorrect: expected %v, got %v", tt.price, last.Price)
			}

			var reason any
			for _, e := range result.AuditEvents {
				if e.Stage == backtester.StageTrade && e.Action == string(tt.side) && e.Timestamp == bar.Timestamp {
					reason = e.Details["price_reason"]
				}
			}
			if reason != tt.reason {
				t.Errorf("Price reason incorrect: expected %s, got %v", tt.reason, reason)
			}
		})
	}
}

func TestCompleteImmediateOrdersCancelWhenNotTriggered(t *testing.T) {
	tests := []struct {
		tif    backtester.TimeInForce
		reason string
	}{
		{backtester.TIFImmediateOrCancel, backtester.CancelIOCUnfilled},
		{backtester.TIFFillOrKill, backtester.CancelFOKUnfillable},
	}

	for _, tt := range tests {
		t.Run(string(tt.tif), func(t *testing.T) {
			// the limit at 99 is only reached on the third bar, after the order is gone
			bars := []types.Bar{flatBar(1, 100, 10_000), flatBar(2, 100, 10_000), flatBar(3, 95, 10_000)}
			exec := completeExec(func(c *backtester.ExecutionConfig) {
				c.BuyKind = backtester.OrderLimit
				c.TIF = tt.tif
			})
			runner := newRunner(10_000, exec, &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

			result, err := runner.Run(context.Background(), nil, nil)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(result.Trades) != 0 {
				t.Errorf("Expected no trades, got %d", len(result.Trades))
			}

			var cancel *types.AuditEvent
			for i, e := range result.AuditEvents {
				if e.Stage == backtester.StageOrder && e.Action == "cancel" {
					cancel = &result.AuditEvents[i]
				}
			}
			if cancel == nil {
				t.Fatal("Expected cancel audit event")
			}
			if cancel.Error != tt.reason || cancel.Timestamp != 2 {
				t.Errorf("Cancel incorrect: expected %s at 2, got %s at %d", tt.reason, cancel.Error, cancel.Timestamp)
			}
			if cancel.Details["reason"] != "not_triggered" {
				t.Errorf("Cancel detail incorrect: expected not_triggered, got %v", cancel.Details["reason"])
			}
		})
	}
}

func TestCompleteZeroVolumeBarCancelsOrder(t *testing.T) {
	bars := []types.Bar{flatBar(1, 100, 10_000), flatBar(2, 100, 0), flatBar(3, 100, 10_000)}
	runner := newRunner(10_000, completeExec(nil), &sequenceStrategy{actions: []types.Action{buy(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Errorf("Expected no trades, got %d", len(result.Trades))
	}
	if !hasAudit(result.AuditEvents, backtester.StageOrder, "cancel", backtester.CancelInvalidVolume) {
		t.Error("Expected invalid_volume cancel event")
	}
}

func TestFeesAndSlippageAreBooked(t *testing.T) {
	cfg := backtester.RunnerConfig{
		RunID:          "costs",
		Symbol:         "BTCUSD",
		InitialCapital: 10_000,
		FeeBps:         10,
		Risk:           types.DefaultRiskLimits(),
		Execution:      backtester.SimpleExecution(50),
	}
	bars := []types.Bar{flatBar(1, 100, 10), flatBar(2, 100, 10)}
	runner := backtester.NewRunner(zap.NewNop(), cfg, &sequenceStrategy{actions: []types.Action{buy(1)}}, &sliceSource{bars: bars})

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(result.Trades))
	}
	tr := result.Trades[0]
	if math.Abs(tr.Price-100.5) > 1e-9 {
		t.Errorf("Exec price incorrect: expected 100.5, got %f", tr.Price)
	}
	if math.Abs(tr.Fee-0.1005) > 1e-9 {
		t.Errorf("Fee incorrect: expected 0.1005, got %f", tr.Fee)
	}
	if math.Abs(tr.Slippage-0.5) > 1e-9 {
		t.Errorf("Slippage incorrect: expected 0.5, got %f", tr.Slippage)
	}
}

func TestSellNeverExceedsPosition(t *testing.T) {
	var bars []types.Bar
	for i := int64(1); i <= 12; i++ {
		bars = append(bars, flatBar(i, 100+float64(i), 1000))
	}
	actions := []types.Action{buy(2), sell(10), buy(1), sell(5), sell(5), buy(3), sell(1), sell(100)}
	runner := newRunner(10_000, backtester.SimpleExecution(0), &sequenceStrategy{actions: actions}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var position float64
	for _, tr := range result.Trades {
		switch tr.Side {
		case types.SideBuy:
			position += tr.Quantity
		case types.SideSell:
			if tr.Quantity > position+1e-9 {
				t.Fatalf("Sell of %f exceeds position %f", tr.Quantity, position)
			}
			position -= tr.Quantity
		}
	}
	if position < -1e-9 {
		t.Errorf("Position went short: %f", position)
	}
}

func TestDrawdownHaltStopsStrategyButFillsPendingOrders(t *testing.T) {
	bars := []types.Bar{
		flatBar(1, 100, 1000),
		flatBar(2, 100, 1000),
		{Symbol: "BTCUSD", Timestamp: 3, Open: 100, High: 100, Low: 50, Close: 50, Volume: 1000},
		flatBar(4, 50, 1000),
		flatBar(5, 50, 1000),
		flatBar(6, 50, 1000),
	}
	cfg := backtester.RunnerConfig{
		RunID:          "halt",
		Symbol:         "BTCUSD",
		InitialCapital: 1000,
		Risk:           types.RiskLimits{MaxDrawdownPct: 0.2, MaxExposurePct: 0},
		Execution:      backtester.SimpleExecution(0),
	}
	actions := make([]types.Action, len(bars))
	for i := range actions {
		actions[i] = buy(4)
	}
	strategy := &sequenceStrategy{actions: actions}
	runner := backtester.NewRunner(zap.NewNop(), cfg, strategy, &sliceSource{bars: bars})

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Halted {
		t.Fatal("Expected run to be halted")
	}
	if len(result.Equity) != len(bars) {
		t.Errorf("Equity points incorrect: expected %d, got %d", len(bars), len(result.Equity))
	}

	var haltTS int64 = -1
	halts := 0
	for _, e := range result.AuditEvents {
		if e.Stage == backtester.StageRisk && e.Action == "halt_drawdown" {
			haltTS = e.Timestamp
			halts++
		}
	}
	if halts != 1 {
		t.Fatalf("Expected exactly one halt event, got %d", halts)
	}
	if haltTS != 3 {
		t.Errorf("Halt bar incorrect: expected 3, got %d", haltTS)
	}
	if calls := strategy.calls.Load(); calls != 3 {
		t.Errorf("Strategy calls incorrect: expected 3, got %d", calls)
	}
	for _, e := range result.AuditEvents {
		if e.Stage == backtester.StageOrder && e.Action == "submit" && e.Timestamp > haltTS {
			t.Errorf("Order submitted after halt at ts %d", e.Timestamp)
		}
		if e.Stage == backtester.StageOrder && e.Action == "cancel" {
			t.Errorf("Unexpected cancel at ts %d: %s", e.Timestamp, e.Error)
		}
	}

	// The order queued on the halt bar fills at the next open.
	if len(result.Trades) != 3 {
		t.Fatalf("Trades incorrect: expected 3, got %d", len(result.Trades))
	}
	last := result.Trades[2]
	if last.Timestamp != 4 || last.Side != types.SideBuy || last.Price != 50 {
		t.Errorf("Post-halt fill incorrect: got %+v", last)
	}
	if math.Abs(last.Quantity-4) > 1e-9 {
		t.Errorf("Post-halt fill qty incorrect: expected 4, got %f", last.Quantity)
	}
	for _, tr := range result.Trades {
		if tr.Timestamp > 4 {
			t.Errorf("Trade after the last pending order at ts %d", tr.Timestamp)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	var bars []types.Bar
	for i := int64(1); i <= 50; i++ {
		p := 100 + 10*math.Sin(float64(i)/3)
		bars = append(bars, types.Bar{Symbol: "BTCUSD", Timestamp: i * 60, Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 100})
	}
	actions := []types.Action{buy(1), types.HoldAction(), buy(2), sell(1), types.HoldAction(), sell(5), buy(1)}
	exec := completeExec(func(c *backtester.ExecutionConfig) {
		c.BuyKind = backtester.OrderLimit
		c.SellKind = backtester.OrderStop
		c.SpreadBps = 4
		c.SlippageBps = 2
		c.MaxFillPctOfVolume = 0.01
	})

	first, err := newRunner(10_000, exec, &sequenceStrategy{actions: actions}, bars).Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	second, err := newRunner(10_000, exec, &sequenceStrategy{actions: actions}, bars).Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if !reflect.DeepEqual(first.Trades, second.Trades) {
		t.Error("Trade sequences differ between identical runs")
	}
	if !reflect.DeepEqual(first.Equity, second.Equity) {
		t.Error("Equity sequences differ between identical runs")
	}
}

func TestAuditEventsSorted(t *testing.T) {
	bars := []types.Bar{flatBar(1, 100, 10), flatBar(2, 100, 10), flatBar(3, 100, 10)}
	runner := newRunner(1000, backtester.SimpleExecution(0), &sequenceStrategy{actions: []types.Action{buy(1), sell(1)}}, bars)

	result, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i := 1; i < len(result.AuditEvents); i++ {
		a, b := result.AuditEvents[i-1], result.AuditEvents[i]
		if a.Timestamp > b.Timestamp ||
			(a.Timestamp == b.Timestamp && a.Stage > b.Stage) ||
			(a.Timestamp == b.Timestamp && a.Stage == b.Stage && a.Action > b.Action) {
			t.Fatalf("Audit events out of order at %d: %+v then %+v", i, a, b)
		}
	}
}

func TestProgressIsThrottled(t *testing.T) {
	var bars []types.Bar
	for i := int64(1); i <= 25; i++ {
		bars = append(bars, flatBar(i, 100, 10))
	}
	runner := newRunner(1000, backtester.SimpleExecution(0), &sequenceStrategy{}, bars)
	progress := make(chan types.BarProgress, 64)

	if _, err := runner.Run(context.Background(), nil, progress); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	close(progress)

	var indexes []uint64
	for p := range progress {
		indexes = append(indexes, p.BarIndex)
	}
	expected := []uint64{1, 10, 20, 25}
	if !reflect.DeepEqual(indexes, expected) {
		t.Errorf("Progress samples incorrect: expected %v, got %v", expected, indexes)
	}
}

func TestContextCancelReturnsErrCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := backtester.NewRunner(zap.NewNop(), backtester.RunnerConfig{RunID: "ctx", Symbol: "BTCUSD", InitialCapital: 1000}, &sequenceStrategy{}, &endlessSource{})
	result, err := runner.Run(ctx, nil, nil)
	if !errors.Is(err, backtester.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	if result != nil {
		t.Error("Expected no results for a cancelled run")
	}
}

func TestCancelWhilePausedUnblocks(t *testing.T) {
	control := runcontrol.New()
	control.TogglePause()

	counting := &sequenceStrategy{}
	runner := backtester.NewRunner(zap.NewNop(), backtester.RunnerConfig{RunID: "pause", Symbol: "BTCUSD", InitialCapital: 1000}, counting, &endlessSource{})

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), control, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	control.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, backtester.ErrCancelled) {
			t.Fatalf("Expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not unblock the paused run")
	}
	if calls := counting.calls.Load(); calls != 0 {
		t.Errorf("Strategy ran %d times while paused", calls)
	}
}

func TestStepOnceAdvancesOneBar(t *testing.T) {
	control := runcontrol.New()
	control.TogglePause()

	strategy := &sequenceStrategy{}
	runner := backtester.NewRunner(zap.NewNop(), backtester.RunnerConfig{RunID: "step", Symbol: "BTCUSD", InitialCapital: 1000}, strategy, &endlessSource{})
	progress := make(chan types.BarProgress, 16)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), control, progress)
		done <- err
	}()

	if !control.StepOnce() {
		t.Fatal("StepOnce should succeed while paused")
	}

	select {
	case p := <-progress:
		if p.BarIndex != 1 || !p.Paused {
			t.Errorf("Unexpected progress sample: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No progress after StepOnce")
	}

	control.Cancel()
	select {
	case err := <-done:
		if !errors.Is(err, backtester.ErrCancelled) {
			t.Fatalf("Expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if calls := strategy.calls.Load(); calls != 1 {
		t.Errorf("Expected exactly one strategy call, got %d", calls)
	}
}
