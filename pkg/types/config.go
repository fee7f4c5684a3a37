// Package types provides configuration types shared by the engine and its callers.
package types

// SizeMode tells the runner how to interpret Action.Size
type SizeMode string

const (
	SizeModeQty       SizeMode = "qty"
	SizeModePctEquity SizeMode = "pct_equity"
)

// RiskLimits bounds position size, drawdown and exposure.
// A limit <= 0 disables the corresponding check.
type RiskLimits struct {
	MaxPositionQty float64 `json:"max_position_qty" toml:"max_position_qty"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct" toml:"max_drawdown_pct"`
	MaxExposurePct float64 `json:"max_exposure_pct" toml:"max_exposure_pct"`
}

// DefaultRiskLimits returns limits with no position cap, a 100% drawdown
// ceiling and 1x exposure.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionQty: 0,
		MaxDrawdownPct: 1.0,
		MaxExposurePct: 1.0,
	}
}

// AllowsPosition reports whether adding delta to current stays within the cap
func (r RiskLimits) AllowsPosition(current, delta float64) bool {
	if r.MaxPositionQty <= 0 {
		return true
	}
	return current+delta <= r.MaxPositionQty
}

// AllowsExposure reports whether nextNotional/equity stays within the cap.
// Non-positive equity never allows new exposure while the check is enabled.
func (r RiskLimits) AllowsExposure(equity, nextNotional float64) bool {
	if r.MaxExposurePct <= 0 {
		return true
	}
	if equity <= 0 {
		return false
	}
	return nextNotional/equity <= r.MaxExposurePct
}

// AllowsDrawdown reports whether dd is within the ceiling
func (r RiskLimits) AllowsDrawdown(dd float64) bool {
	if r.MaxDrawdownPct <= 0 {
		return true
	}
	return dd <= r.MaxDrawdownPct
}

// MetricsConfig tunes the Sharpe computation. AnnualizationFactor 0 means
// scale by the number of returns.
type MetricsConfig struct {
	RiskFreeRate        float64 `json:"risk_free_rate" toml:"risk_free_rate"`
	AnnualizationFactor float64 `json:"annualization_factor,omitempty" toml:"annualization_factor"`
}
