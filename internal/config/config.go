// Package config loads run configuration from TOML, .env and KAIROS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/internal/cpcv"
	"github.com/Marcux777/kairos-alloy-sub000/internal/data"
	"github.com/Marcux777/kairos-alloy-sub000/internal/strategy"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full run configuration
type Config struct {
	Run         RunConfig         `mapstructure:"run" toml:"run"`
	Costs       CostsConfig       `mapstructure:"costs" toml:"costs"`
	Risk        RiskConfig        `mapstructure:"risk" toml:"risk"`
	Orders      OrdersConfig      `mapstructure:"orders" toml:"orders"`
	Execution   ExecutionConfig   `mapstructure:"execution" toml:"execution"`
	Metrics     MetricsConfig     `mapstructure:"metrics" toml:"metrics"`
	Data        DataConfig        `mapstructure:"data" toml:"data"`
	DataQuality DataQualityConfig `mapstructure:"data_quality" toml:"data_quality"`
	Paper       PaperConfig       `mapstructure:"paper" toml:"paper"`
	Features    FeaturesConfig    `mapstructure:"features" toml:"features"`
	Strategy    StrategyConfig    `mapstructure:"strategy" toml:"strategy"`
	Agent       AgentConfig       `mapstructure:"agent" toml:"agent"`
	Sweep       SweepConfig       `mapstructure:"sweep" toml:"sweep"`
	CPCV        CPCVConfig        `mapstructure:"cpcv" toml:"cpcv"`
	Paths       PathsConfig       `mapstructure:"paths" toml:"paths"`
	Report      ReportConfig      `mapstructure:"report" toml:"report"`
	Server      ServerConfig      `mapstructure:"server" toml:"server"`
	Redis       RedisConfig       `mapstructure:"redis" toml:"redis"`
	S3          S3Config          `mapstructure:"s3" toml:"s3"`
}

type RunConfig struct {
	RunID          string  `mapstructure:"run_id" toml:"run_id"`
	Symbol         string  `mapstructure:"symbol" toml:"symbol"`
	Timeframe      string  `mapstructure:"timeframe" toml:"timeframe"`
	InitialCapital float64 `mapstructure:"initial_capital" toml:"initial_capital"`
}

type CostsConfig struct {
	FeeBps      float64 `mapstructure:"fee_bps" toml:"fee_bps"`
	SlippageBps float64 `mapstructure:"slippage_bps" toml:"slippage_bps"`
}

type RiskConfig struct {
	MaxPositionQty float64 `mapstructure:"max_position_qty" toml:"max_position_qty"`
	MaxDrawdownPct float64 `mapstructure:"max_drawdown_pct" toml:"max_drawdown_pct"`
	MaxExposurePct float64 `mapstructure:"max_exposure_pct" toml:"max_exposure_pct"`
}

type OrdersConfig struct {
	SizeMode string `mapstructure:"size_mode" toml:"size_mode"`
}

type ExecutionConfig struct {
	Model              string  `mapstructure:"model" toml:"model"`
	LatencyBars        uint64  `mapstructure:"latency_bars" toml:"latency_bars"`
	BuyKind            string  `mapstructure:"buy_kind" toml:"buy_kind"`
	SellKind           string  `mapstructure:"sell_kind" toml:"sell_kind"`
	TIF                string  `mapstructure:"tif" toml:"tif"`
	PriceReference     string  `mapstructure:"price_reference" toml:"price_reference"`
	LimitOffsetBps     float64 `mapstructure:"limit_offset_bps" toml:"limit_offset_bps"`
	StopOffsetBps      float64 `mapstructure:"stop_offset_bps" toml:"stop_offset_bps"`
	SpreadBps          float64 `mapstructure:"spread_bps" toml:"spread_bps"`
	MaxFillPctOfVolume float64 `mapstructure:"max_fill_pct_of_volume" toml:"max_fill_pct_of_volume"`
	ExpireAfterBars    uint64  `mapstructure:"expire_after_bars" toml:"expire_after_bars"`
}

type MetricsConfig struct {
	RiskFreeRate        float64 `mapstructure:"risk_free_rate" toml:"risk_free_rate"`
	AnnualizationFactor float64 `mapstructure:"annualization_factor" toml:"annualization_factor"`
}

// DataConfig selects the bar repository. Source is file, sqlite, parquet
// or postgres.
type DataConfig struct {
	Source          string `mapstructure:"source" toml:"source"`
	Path            string `mapstructure:"path" toml:"path"`
	DSN             string `mapstructure:"dsn" toml:"dsn"`
	Table           string `mapstructure:"table" toml:"table"`
	PoolMaxConns    int    `mapstructure:"pool_max_conns" toml:"pool_max_conns"`
	Exchange        string `mapstructure:"exchange" toml:"exchange"`
	Market          string `mapstructure:"market" toml:"market"`
	SourceTimeframe string `mapstructure:"source_timeframe" toml:"source_timeframe"`
	StreamURL       string `mapstructure:"stream_url" toml:"stream_url"`
}

// DataQualityConfig caps the issues tolerated in loaded bars. A negative
// limit disables the check.
type DataQualityConfig struct {
	MaxGaps         int `mapstructure:"max_gaps" toml:"max_gaps" json:"max_gaps"`
	MaxDuplicates   int `mapstructure:"max_duplicates" toml:"max_duplicates" json:"max_duplicates"`
	MaxOutOfOrder   int `mapstructure:"max_out_of_order" toml:"max_out_of_order" json:"max_out_of_order"`
	MaxInvalidClose int `mapstructure:"max_invalid_close" toml:"max_invalid_close" json:"max_invalid_close"`
}

type PaperConfig struct {
	ReplayScale float64 `mapstructure:"replay_scale" toml:"replay_scale"`
}

type FeaturesConfig struct {
	ReturnMode        string `mapstructure:"return_mode" toml:"return_mode"`
	SMAWindows        []int  `mapstructure:"sma_windows" toml:"sma_windows"`
	VolatilityWindows []int  `mapstructure:"volatility_windows" toml:"volatility_windows"`
	RSIEnabled        bool   `mapstructure:"rsi_enabled" toml:"rsi_enabled"`
}

type StrategyConfig struct {
	Baseline string  `mapstructure:"baseline" toml:"baseline"`
	Size     float64 `mapstructure:"size" toml:"size"`
	SMAShort int     `mapstructure:"sma_short" toml:"sma_short"`
	SMALong  int     `mapstructure:"sma_long" toml:"sma_long"`
}

// AgentConfig chooses between baseline, hold and remote strategies
type AgentConfig struct {
	Mode           string `mapstructure:"mode" toml:"mode"`
	URL            string `mapstructure:"url" toml:"url"`
	TimeoutMs      int    `mapstructure:"timeout_ms" toml:"timeout_ms"`
	Retries        int    `mapstructure:"retries" toml:"retries"`
	APIVersion     string `mapstructure:"api_version" toml:"api_version"`
	FeatureVersion string `mapstructure:"feature_version" toml:"feature_version"`
	FallbackAction string `mapstructure:"fallback_action" toml:"fallback_action"`
}

// SweepConfig lists the SMA windows tried by the sweep mode
type SweepConfig struct {
	ShortWindows []int `mapstructure:"short_windows" toml:"short_windows"`
	LongWindows  []int `mapstructure:"long_windows" toml:"long_windows"`
	Workers      int   `mapstructure:"workers" toml:"workers"`
}

// CPCVConfig controls fold generation for the cpcv mode. Start and End
// filter bars by timestamp (epoch seconds or RFC3339, inclusive). Out
// overrides the output directory.
type CPCVConfig struct {
	NGroups     int    `mapstructure:"n_groups" toml:"n_groups"`
	KTest       int    `mapstructure:"k_test" toml:"k_test"`
	HorizonBars int    `mapstructure:"horizon_bars" toml:"horizon_bars"`
	PurgeBars   int    `mapstructure:"purge_bars" toml:"purge_bars"`
	EmbargoBars int    `mapstructure:"embargo_bars" toml:"embargo_bars"`
	Start       string `mapstructure:"start" toml:"start"`
	End         string `mapstructure:"end" toml:"end"`
	Out         string `mapstructure:"out" toml:"out"`
	Workers     int    `mapstructure:"workers" toml:"workers"`
}

type PathsConfig struct {
	OutDir string `mapstructure:"out_dir" toml:"out_dir"`
}

type ReportConfig struct {
	HTML bool `mapstructure:"html" toml:"html"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" toml:"host"`
	Port int    `mapstructure:"port" toml:"port"`
}

// RedisConfig enables the event bridge when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"-"`
	DB       int    `mapstructure:"db" toml:"db"`
}

// S3Config enables artifact upload when Bucket is set
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint" toml:"endpoint"`
	Region         string `mapstructure:"region" toml:"region"`
	Bucket         string `mapstructure:"bucket" toml:"bucket"`
	AccessKey      string `mapstructure:"access_key" toml:"-"`
	SecretKey      string `mapstructure:"secret_key" toml:"-"`
	Prefix         string `mapstructure:"prefix" toml:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style" toml:"force_path_style"`
}

// Validate returns every problem found, wrapped in ErrInvalidConfig
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Run.Symbol) == "" {
		errs = append(errs, "run: symbol must not be empty")
	}
	if _, err := data.ParseTimeframe(c.Run.Timeframe); err != nil {
		errs = append(errs, fmt.Sprintf("run: timeframe: %v", err))
	}
	if !types.IsFinite(c.Run.InitialCapital) || c.Run.InitialCapital <= 0 {
		errs = append(errs, "run: initial_capital must be positive")
	}

	if c.Costs.FeeBps < 0 || c.Costs.SlippageBps < 0 {
		errs = append(errs, "costs: fee_bps and slippage_bps must be >= 0")
	}
	if c.Risk.MaxPositionQty < 0 || c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxExposurePct < 0 {
		errs = append(errs, "risk: limits must be >= 0")
	}

	if _, err := c.SizeMode(); err != nil {
		errs = append(errs, fmt.Sprintf("orders: %v", err))
	}
	if _, err := c.ExecutionConfig(); err != nil {
		errs = append(errs, fmt.Sprintf("execution: %v", err))
	}

	switch c.Data.Source {
	case "file", "sqlite", "parquet":
		if c.Data.Path == "" {
			errs = append(errs, fmt.Sprintf("data: path is required for source %s", c.Data.Source))
		}
	case "postgres":
		if c.Data.DSN == "" {
			errs = append(errs, "data: dsn is required for source postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("data: unknown source %q (valid: file, sqlite, parquet, postgres)", c.Data.Source))
	}
	if c.Data.SourceTimeframe != "" {
		if _, err := data.ParseTimeframe(c.Data.SourceTimeframe); err != nil {
			errs = append(errs, fmt.Sprintf("data: source_timeframe: %v", err))
		}
	}

	if c.Paper.ReplayScale < 0 {
		errs = append(errs, "paper: replay_scale must be >= 0")
	}
	if _, err := strategy.ParseReturnMode(c.Features.ReturnMode); err != nil {
		errs = append(errs, fmt.Sprintf("features: %v", err))
	}

	switch strings.ToLower(c.Agent.Mode) {
	case strategy.ModeBaseline:
		switch c.Strategy.Baseline {
		case "buy_and_hold", "hold":
		case "sma":
			if c.Strategy.SMAShort <= 0 || c.Strategy.SMALong <= c.Strategy.SMAShort {
				errs = append(errs, "strategy: sma requires 0 < sma_short < sma_long")
			}
		default:
			errs = append(errs, fmt.Sprintf("strategy: unknown baseline %q (valid: buy_and_hold, sma, hold)", c.Strategy.Baseline))
		}
	case strategy.ModeHold:
	case strategy.ModeRemote:
		if c.Agent.URL == "" {
			errs = append(errs, "agent: url is required for mode remote")
		}
		if c.Agent.Retries < 0 {
			errs = append(errs, "agent: retries must be >= 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("agent: unknown mode %q (valid: baseline, hold, remote)", c.Agent.Mode))
	}
	if _, ok := types.ParseActionType(c.Agent.FallbackAction); !ok {
		errs = append(errs, fmt.Sprintf("agent: unknown fallback_action %q", c.Agent.FallbackAction))
	}

	if err := c.CPCVSettings().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("cpcv: %v", strings.ReplaceAll(err.Error(), "\n", "; ")))
	}
	if _, err := ParseTimestamp(c.CPCV.Start); err != nil {
		errs = append(errs, fmt.Sprintf("cpcv: start: %v", err))
	}
	if _, err := ParseTimestamp(c.CPCV.End); err != nil {
		errs = append(errs, fmt.Sprintf("cpcv: end: %v", err))
	}

	if strings.TrimSpace(c.Paths.OutDir) == "" {
		errs = append(errs, "paths: out_dir must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// SizeMode parses orders.size_mode
func (c *Config) SizeMode() (types.SizeMode, error) {
	switch types.SizeMode(strings.ToLower(strings.TrimSpace(c.Orders.SizeMode))) {
	case "", types.SizeModeQty:
		return types.SizeModeQty, nil
	case types.SizeModePctEquity:
		return types.SizeModePctEquity, nil
	default:
		return "", fmt.Errorf("unknown size_mode %q (valid: qty, pct_equity)", c.Orders.SizeMode)
	}
}

// ExecutionConfig builds and validates the engine execution config
func (c *Config) ExecutionConfig() (backtester.ExecutionConfig, error) {
	model, err := backtester.ParseExecutionModel(c.Execution.Model)
	if err != nil {
		return backtester.ExecutionConfig{}, err
	}
	if model == backtester.ExecutionSimple {
		exec := backtester.SimpleExecution(c.Costs.SlippageBps)
		if c.Execution.LatencyBars > 0 {
			exec.LatencyBars = c.Execution.LatencyBars
		}
		return exec, exec.Validate()
	}

	exec := backtester.CompleteExecutionDefaults()
	exec.SlippageBps = c.Costs.SlippageBps
	exec.SpreadBps = c.Execution.SpreadBps
	exec.ExpireAfterBars = c.Execution.ExpireAfterBars
	if c.Execution.LatencyBars > 0 {
		exec.LatencyBars = c.Execution.LatencyBars
	}
	exec.LimitOffsetBps = c.Execution.LimitOffsetBps
	exec.StopOffsetBps = c.Execution.StopOffsetBps
	if c.Execution.MaxFillPctOfVolume != 0 {
		exec.MaxFillPctOfVolume = c.Execution.MaxFillPctOfVolume
	}
	if c.Execution.BuyKind != "" {
		if exec.BuyKind, err = backtester.ParseOrderKind(c.Execution.BuyKind); err != nil {
			return exec, err
		}
	}
	if c.Execution.SellKind != "" {
		if exec.SellKind, err = backtester.ParseOrderKind(c.Execution.SellKind); err != nil {
			return exec, err
		}
	}
	if c.Execution.TIF != "" {
		if exec.TIF, err = backtester.ParseTimeInForce(c.Execution.TIF); err != nil {
			return exec, err
		}
	}
	if c.Execution.PriceReference != "" {
		if exec.PriceReference, err = backtester.ParsePriceReference(c.Execution.PriceReference); err != nil {
			return exec, err
		}
	}
	return exec, exec.Validate()
}

// CPCVSettings returns the fold generator config
func (c *Config) CPCVSettings() cpcv.Config {
	return cpcv.Config{
		NGroups:     c.CPCV.NGroups,
		KTest:       c.CPCV.KTest,
		HorizonBars: c.CPCV.HorizonBars,
		PurgeBars:   c.CPCV.PurgeBars,
		EmbargoBars: c.CPCV.EmbargoBars,
	}
}

// ParseTimestamp accepts epoch seconds or RFC3339 and returns epoch
// seconds. An empty string yields nil.
func ParseTimestamp(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &ts, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q (expected epoch seconds or RFC3339)", s)
	}
	ts := t.Unix()
	return &ts, nil
}

// RiskLimits returns the engine risk limits
func (c *Config) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxPositionQty: c.Risk.MaxPositionQty,
		MaxDrawdownPct: c.Risk.MaxDrawdownPct,
		MaxExposurePct: c.Risk.MaxExposurePct,
	}
}

// MetricsConfig returns the summary metrics settings
func (c *Config) MetricsConfig() types.MetricsConfig {
	return types.MetricsConfig{
		RiskFreeRate:        c.Metrics.RiskFreeRate,
		AnnualizationFactor: c.Metrics.AnnualizationFactor,
	}
}

// StrategyConfig maps the strategy and agent sections onto the factory input
func (c *Config) StrategyConfig() strategy.Config {
	returnMode, _ := strategy.ParseReturnMode(c.Features.ReturnMode)
	fallback, _ := types.ParseActionType(c.Agent.FallbackAction)
	return strategy.Config{
		Mode:         c.Agent.Mode,
		Baseline:     c.Strategy.Baseline,
		Size:         c.Strategy.Size,
		SMAShort:     c.Strategy.SMAShort,
		SMALong:      c.Strategy.SMALong,
		AgentURL:     c.Agent.URL,
		AgentTimeout: time.Duration(c.Agent.TimeoutMs) * time.Millisecond,
		AgentRetries: c.Agent.Retries,
		Agent: strategy.AgentConfig{
			RunID:          c.Run.RunID,
			Symbol:         c.Run.Symbol,
			Timeframe:      c.Run.Timeframe,
			APIVersion:     c.Agent.APIVersion,
			FeatureVersion: c.Agent.FeatureVersion,
			FallbackAction: fallback,
			Features: strategy.FeatureConfig{
				ReturnMode:        returnMode,
				SMAWindows:        c.Features.SMAWindows,
				VolatilityWindows: c.Features.VolatilityWindows,
				RSI:               c.Features.RSIEnabled,
			},
		},
	}
}

// CheckQuality reports the first limit the bar report exceeds
func (q DataQualityConfig) CheckQuality(report data.QualityReport) error {
	checks := []struct {
		name  string
		limit int
		got   int
	}{
		{"gaps", q.MaxGaps, report.Gaps},
		{"duplicates", q.MaxDuplicates, report.Duplicates},
		{"out_of_order", q.MaxOutOfOrder, report.OutOfOrder},
		{"invalid_close", q.MaxInvalidClose, report.InvalidClose},
	}
	for _, c := range checks {
		if c.limit >= 0 && c.got > c.limit {
			return fmt.Errorf("data quality: %s %d exceeds max %d", c.name, c.got, c.limit)
		}
	}
	return nil
}
