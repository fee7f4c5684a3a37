package backtester

import (
	"math"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// MetricsState accumulates the equity curve and trades of a run and
// tracks peak equity and max drawdown incrementally.
type MetricsState struct {
	config      types.MetricsConfig
	equity      []types.EquityPoint
	trades      []types.Trade
	peakEquity  float64
	maxDrawdown float64
}

// NewMetricsState creates an empty metrics accumulator
func NewMetricsState(config types.MetricsConfig) *MetricsState {
	return &MetricsState{config: config}
}

// RecordEquity appends a point and updates the drawdown
func (m *MetricsState) RecordEquity(point types.EquityPoint) {
	if m.peakEquity == 0 || point.Equity > m.peakEquity {
		m.peakEquity = point.Equity
	} else if m.peakEquity > 0 {
		dd := (m.peakEquity - point.Equity) / m.peakEquity
		if dd > m.maxDrawdown {
			m.maxDrawdown = dd
		}
	}
	m.equity = append(m.equity, point)
}

// RecordTrade appends a fill
func (m *MetricsState) RecordTrade(trade types.Trade) {
	m.trades = append(m.trades, trade)
}

// MaxDrawdown returns the worst peak-to-trough fraction seen so far
func (m *MetricsState) MaxDrawdown() float64 {
	return m.maxDrawdown
}

// Equity returns the recorded equity curve
func (m *MetricsState) Equity() []types.EquityPoint {
	return m.equity
}

// Trades returns the recorded fills
func (m *MetricsState) Trades() []types.Trade {
	return m.trades
}

// Summary computes the end-of-run metrics
func (m *MetricsState) Summary() types.Summary {
	return types.Summary{
		BarsProcessed: len(m.equity),
		Trades:        len(m.trades),
		WinRate:       WinRate(m.trades),
		NetProfit:     m.netProfit(),
		Sharpe:        SharpeRatio(m.equity, m.config),
		MaxDrawdown:   m.maxDrawdown,
	}
}

func (m *MetricsState) netProfit() float64 {
	if len(m.equity) == 0 {
		return 0
	}
	return m.equity[len(m.equity)-1].Equity - m.equity[0].Equity
}

// SharpeRatio computes mean/std of per-bar excess returns scaled by the
// square root of the annualization factor (or the number of returns).
// Returns 0 with fewer than two returns or zero variance.
func SharpeRatio(curve []types.EquityPoint, config types.MetricsConfig) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev > 0 {
			returns = append(returns, curve[i].Equity/prev-1-config.RiskFreeRate)
		}
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	scale := config.AnnualizationFactor
	if scale <= 0 {
		scale = float64(len(returns))
	}
	return mean / std * math.Sqrt(scale)
}

// WinRate is the fraction of sells that closed at a profit against an
// average cost that includes buy fees.
func WinRate(trades []types.Trade) float64 {
	var (
		position float64
		avgCost  float64
		wins     int
		total    int
	)

	for _, t := range trades {
		if !types.IsFinite(t.Quantity) || t.Quantity <= 0 {
			continue
		}
		if !types.IsFinite(t.Price) || t.Price <= 0 {
			continue
		}
		if !types.IsFinite(t.Fee) || t.Fee < 0 {
			continue
		}

		switch t.Side {
		case types.SideBuy:
			cost := t.Quantity*t.Price + t.Fee
			newQty := position + t.Quantity
			if newQty > 0 && types.IsFinite(cost) {
				avgCost = (avgCost*position + cost) / newQty
				position = newQty
			}
		case types.SideSell:
			if position <= 0 {
				continue
			}
			sell := math.Min(t.Quantity, position)
			pnl := sell*t.Price - t.Fee - sell*avgCost
			total++
			if pnl > 0 {
				wins++
			}
			position -= sell
			if position <= 0 {
				position = 0
				avgCost = 0
			}
		}
	}

	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}
