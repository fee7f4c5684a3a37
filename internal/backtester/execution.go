package backtester

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ExecutionModel selects how orders are filled
type ExecutionModel string

const (
	// ExecutionSimple fills market orders at the next bar open with unlimited liquidity
	ExecutionSimple ExecutionModel = "simple"
	// ExecutionComplete keeps an order book with kinds, TIF, latency and volume caps
	ExecutionComplete ExecutionModel = "complete"
)

// OrderKind is market, limit or stop
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
	OrderStop   OrderKind = "stop"
)

// TimeInForce controls how long an order may rest
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "gtc"
	TIFImmediateOrCancel TimeInForce = "ioc"
	TIFFillOrKill        TimeInForce = "fok"
)

// PriceReference is the bar price limit and stop offsets are measured from
type PriceReference string

const (
	PriceRefOpen  PriceReference = "open"
	PriceRefClose PriceReference = "close"
)

// ExecutionConfig describes the cost and latency model used by the runner
type ExecutionConfig struct {
	Model              ExecutionModel `json:"model" toml:"model"`
	LatencyBars        uint64         `json:"latency_bars" toml:"latency_bars"`
	BuyKind            OrderKind      `json:"buy_kind" toml:"buy_kind"`
	SellKind           OrderKind      `json:"sell_kind" toml:"sell_kind"`
	PriceReference     PriceReference `json:"price_reference" toml:"price_reference"`
	LimitOffsetBps     float64        `json:"limit_offset_bps" toml:"limit_offset_bps"`
	StopOffsetBps      float64        `json:"stop_offset_bps" toml:"stop_offset_bps"`
	SpreadBps          float64        `json:"spread_bps" toml:"spread_bps"`
	SlippageBps        float64        `json:"slippage_bps" toml:"slippage_bps"`
	MaxFillPctOfVolume float64        `json:"max_fill_pct_of_volume" toml:"max_fill_pct_of_volume"`
	TIF                TimeInForce    `json:"tif" toml:"tif"`
	ExpireAfterBars    uint64         `json:"expire_after_bars,omitempty" toml:"expire_after_bars"`
}

// SimpleExecution returns the market-at-next-open model with the given slippage
func SimpleExecution(slippageBps float64) ExecutionConfig {
	return ExecutionConfig{
		Model:              ExecutionSimple,
		LatencyBars:        1,
		BuyKind:            OrderMarket,
		SellKind:           OrderMarket,
		PriceReference:     PriceRefOpen,
		SlippageBps:        slippageBps,
		MaxFillPctOfVolume: 1.0,
		TIF:                TIFGoodTillCancel,
	}
}

// CompleteExecutionDefaults returns the complete model with conservative defaults
func CompleteExecutionDefaults() ExecutionConfig {
	return ExecutionConfig{
		Model:              ExecutionComplete,
		LatencyBars:        1,
		BuyKind:            OrderMarket,
		SellKind:           OrderMarket,
		PriceReference:     PriceRefClose,
		LimitOffsetBps:     10,
		StopOffsetBps:      10,
		MaxFillPctOfVolume: 0.25,
		TIF:                TIFGoodTillCancel,
	}
}

// ImpactBps is half the spread plus slippage
func (c ExecutionConfig) ImpactBps() float64 {
	return c.SpreadBps/2 + c.SlippageBps
}

// Validate checks the configuration and returns every problem found
func (c ExecutionConfig) Validate() error {
	var errs []error

	if _, err := ParseExecutionModel(string(c.Model)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseOrderKind(string(c.BuyKind)); err != nil {
		errs = append(errs, fmt.Errorf("buy_kind: %w", err))
	}
	if _, err := ParseOrderKind(string(c.SellKind)); err != nil {
		errs = append(errs, fmt.Errorf("sell_kind: %w", err))
	}
	if _, err := ParseTimeInForce(string(c.TIF)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParsePriceReference(string(c.PriceReference)); err != nil {
		errs = append(errs, err)
	}
	if c.LatencyBars < 1 {
		errs = append(errs, errors.New("latency_bars must be >= 1"))
	}

	bps := map[string]float64{
		"limit_offset_bps": c.LimitOffsetBps,
		"stop_offset_bps":  c.StopOffsetBps,
		"spread_bps":       c.SpreadBps,
		"slippage_bps":     c.SlippageBps,
	}
	for _, name := range []string{"limit_offset_bps", "stop_offset_bps", "spread_bps", "slippage_bps"} {
		v := bps[name]
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			errs = append(errs, fmt.Errorf("%s must be finite and >= 0", name))
		}
	}

	if c.Model == ExecutionComplete {
		pct := c.MaxFillPctOfVolume
		if math.IsNaN(pct) || math.IsInf(pct, 0) || pct <= 0 {
			errs = append(errs, errors.New("max_fill_pct_of_volume must be finite and > 0"))
		}
	}

	return errors.Join(errs...)
}

// ParseExecutionModel accepts "simple" or "complete" in any case
func ParseExecutionModel(s string) (ExecutionModel, error) {
	switch ExecutionModel(strings.ToLower(strings.TrimSpace(s))) {
	case ExecutionSimple:
		return ExecutionSimple, nil
	case ExecutionComplete:
		return ExecutionComplete, nil
	default:
		return "", fmt.Errorf("unknown execution model %q", s)
	}
}

// ParseOrderKind accepts "market", "limit" or "stop" in any case
func ParseOrderKind(s string) (OrderKind, error) {
	switch OrderKind(strings.ToLower(strings.TrimSpace(s))) {
	case OrderMarket:
		return OrderMarket, nil
	case OrderLimit:
		return OrderLimit, nil
	case OrderStop:
		return OrderStop, nil
	default:
		return "", fmt.Errorf("unknown order kind %q", s)
	}
}

// ParseTimeInForce accepts "gtc", "ioc" or "fok" in any case
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch TimeInForce(strings.ToLower(strings.TrimSpace(s))) {
	case TIFGoodTillCancel:
		return TIFGoodTillCancel, nil
	case TIFImmediateOrCancel:
		return TIFImmediateOrCancel, nil
	case TIFFillOrKill:
		return TIFFillOrKill, nil
	default:
		return "", fmt.Errorf("unknown time in force %q", s)
	}
}

// ParsePriceReference accepts "open" or "close" in any case
func ParsePriceReference(s string) (PriceReference, error) {
	switch PriceReference(strings.ToLower(strings.TrimSpace(s))) {
	case PriceRefOpen:
		return PriceRefOpen, nil
	case PriceRefClose:
		return PriceRefClose, nil
	default:
		return "", fmt.Errorf("unknown price reference %q", s)
	}
}
