package backtester

import (
	"sync"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// PortfolioView is the read-only portfolio surface handed to strategies
type PortfolioView interface {
	Cash() float64
	PositionQty() float64
	AvgPrice() float64
	RealizedPnL() float64
	Equity(price float64) float64
}

// Portfolio is a long-only, single-symbol cash and position book
type Portfolio struct {
	mu          sync.RWMutex
	symbol      string
	cash        float64
	qty         float64
	avgPrice    float64
	realizedPnL float64
}

var _ PortfolioView = (*Portfolio)(nil)

// NewPortfolio creates a portfolio holding only cash
func NewPortfolio(symbol string, initialCash float64) *Portfolio {
	return &Portfolio{
		symbol: symbol,
		cash:   initialCash,
	}
}

// Cash returns available cash
func (p *Portfolio) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// PositionQty returns the held quantity
func (p *Portfolio) PositionQty() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.qty
}

// AvgPrice returns the weighted average entry price, 0 when flat
func (p *Portfolio) AvgPrice() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.avgPrice
}

// RealizedPnL returns realized profit net of sell fees
func (p *Portfolio) RealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// Equity returns cash plus the position marked at price
func (p *Portfolio) Equity(price float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash + p.qty*price
}

// UnrealizedPnL returns the open position's mark-to-market gain
func (p *Portfolio) UnrealizedPnL(price float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.qty <= 0 {
		return 0
	}
	return (price - p.avgPrice) * p.qty
}

// ApplyFill books a fill. Sells are capped at the held quantity.
func (p *Portfolio) ApplyFill(side types.Side, qty, price, fee float64) {
	if qty <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch side {
	case types.SideBuy:
		p.cash -= qty*price + fee
		// absorb float dust from cash-capped buys
		if p.cash < 0 && p.cash > -1e-9 {
			p.cash = 0
		}
		newQty := p.qty + qty
		if newQty > 0 {
			p.avgPrice = (p.avgPrice*p.qty + price*qty) / newQty
		}
		p.qty = newQty

	case types.SideSell:
		sell := qty
		if sell > p.qty {
			sell = p.qty
		}
		if sell <= 0 {
			return
		}
		p.cash += sell*price - fee
		p.realizedPnL += (price-p.avgPrice)*sell - fee
		p.qty -= sell
		if p.qty <= 0 {
			p.qty = 0
			p.avgPrice = 0
		}
	}
}

// Snapshot returns the equity point for a bar closing at price
func (p *Portfolio) Snapshot(timestamp int64, price float64) types.EquityPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	unrealized := 0.0
	if p.qty > 0 {
		unrealized = (price - p.avgPrice) * p.qty
	}
	return types.EquityPoint{
		Timestamp:     timestamp,
		Equity:        p.cash + p.qty*price,
		Cash:          p.cash,
		PositionQty:   p.qty,
		UnrealizedPnL: unrealized,
		RealizedPnL:   p.realizedPnL,
	}
}
