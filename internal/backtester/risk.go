package backtester

import (
	"sync"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"go.uber.org/zap"
)

// RiskManager gates new orders against the configured limits and owns the
// drawdown halt latch. Once halted it stays halted for the rest of the run.
type RiskManager struct {
	mu     sync.RWMutex
	logger *zap.Logger
	limits types.RiskLimits
	halted bool
}

// NewRiskManager creates a new risk manager
func NewRiskManager(logger *zap.Logger, limits types.RiskLimits) *RiskManager {
	return &RiskManager{
		logger: logger,
		limits: limits,
	}
}

// Limits returns the configured limits
func (rm *RiskManager) Limits() types.RiskLimits {
	return rm.limits
}

// Halted reports whether trading has been halted by a drawdown breach
func (rm *RiskManager) Halted() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.halted
}

// CheckBuy returns a reject reason, or "" when a buy of qty may be scheduled
func (rm *RiskManager) CheckBuy(positionQty, qty, equity, close float64) string {
	if !rm.limits.AllowsPosition(positionQty, qty) {
		return RejectPositionLimit
	}
	if !rm.limits.AllowsExposure(equity, (positionQty+qty)*close) {
		return RejectExposureLimit
	}
	return ""
}

// AvailableToSell returns the quantity not already reserved by open sells
func (rm *RiskManager) AvailableToSell(positionQty, reservedQty float64) float64 {
	available := positionQty - reservedQty
	if available < 0 {
		return 0
	}
	return available
}

// CheckDrawdown latches the halt when drawdown exceeds the limit. It returns
// true only on the bar that trips the latch.
func (rm *RiskManager) CheckDrawdown(drawdown float64) bool {
	if rm.limits.AllowsDrawdown(drawdown) {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.halted {
		return false
	}
	rm.halted = true

	rm.logger.Warn("Max drawdown breached, halting trading",
		zap.Float64("drawdown", drawdown),
		zap.Float64("max_drawdown_pct", rm.limits.MaxDrawdownPct),
	)
	return true
}
