// Package types provides shared type definitions for the simulation core.
package types

import (
	"math"
	"strings"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ActionType is the decision a strategy returns for a bar
type ActionType string

const (
	ActionBuy  ActionType = "BUY"
	ActionSell ActionType = "SELL"
	ActionHold ActionType = "HOLD"
)

// ParseActionType accepts BUY, SELL or HOLD in any case.
func ParseActionType(s string) (ActionType, bool) {
	switch ActionType(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionHold:
		return ActionHold, true
	default:
		return "", false
	}
}

// Action is a strategy decision. Size is a quantity or a fraction of equity
// depending on the run's size mode.
type Action struct {
	Type ActionType `json:"action_type"`
	Size float64    `json:"size"`
}

// HoldAction returns an action that does nothing
func HoldAction() Action {
	return Action{Type: ActionHold}
}

// Bar is a single OHLCV candle. Timestamp is epoch seconds (UTC).
type Bar struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Usable reports whether the bar has a finite positive close.
func (b Bar) Usable() bool {
	return IsFinite(b.Close) && b.Close > 0
}

// MarketEventKind distinguishes ticks from trades
type MarketEventKind string

const (
	MarketEventTick  MarketEventKind = "tick"
	MarketEventTrade MarketEventKind = "trade"
)

// MarketEvent is a single realtime price observation. Timestamp may be
// epoch seconds or milliseconds. Quantity 0 means none.
type MarketEvent struct {
	Kind      MarketEventKind `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Price     float64         `json:"price"`
	Quantity  float64         `json:"quantity,omitempty"`
}

// Trade is an executed fill
type Trade struct {
	Timestamp  int64   `json:"timestamp"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"qty"`
	Price      float64 `json:"price"`
	Fee        float64 `json:"fee"`
	Slippage   float64 `json:"slippage"`
	StrategyID string  `json:"strategy_id"`
	Reason     string  `json:"reason"`
}

// EquityPoint is the portfolio state at a bar close
type EquityPoint struct {
	Timestamp     int64   `json:"timestamp"`
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	PositionQty   float64 `json:"position_qty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// AuditEvent is one structured record of the run's audit trail
type AuditEvent struct {
	RunID     string         `json:"run_id"`
	Timestamp int64          `json:"timestamp"`
	Stage     string         `json:"stage"`
	Symbol    string         `json:"symbol,omitempty"`
	Action    string         `json:"action"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Summary holds the end-of-run metrics
type Summary struct {
	BarsProcessed int     `json:"bars_processed"`
	Trades        int     `json:"trades"`
	WinRate       float64 `json:"win_rate"`
	NetProfit     float64 `json:"net_profit"`
	Sharpe        float64 `json:"sharpe"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// TradeSample is the compact form of a fill sent with progress updates
type TradeSample struct {
	Side     Side    `json:"side"`
	Quantity float64 `json:"qty"`
	Price    float64 `json:"price"`
}

// BarProgress is a throttled sample of the runner's state
type BarProgress struct {
	RunID     string        `json:"run_id"`
	BarIndex  uint64        `json:"bar_index"`
	Timestamp int64         `json:"timestamp"`
	Close     float64       `json:"close"`
	Equity    float64       `json:"equity"`
	Paused    bool          `json:"paused"`
	Halted    bool          `json:"halted"`
	Fills     []TradeSample `json:"fills,omitempty"`
}

// StreamStatus describes the health of a realtime feed. Counters only grow.
type StreamStatus struct {
	Connected          bool   `json:"connected"`
	Reconnects         uint64 `json:"reconnects"`
	LastError          string `json:"last_error,omitempty"`
	LastEventTimestamp int64  `json:"last_event_ts,omitempty"`
	OutOfOrderEvents   uint64 `json:"out_of_order"`
	InvalidEvents      uint64 `json:"invalid"`
}

// IsFinite reports whether f is neither NaN nor infinite
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
