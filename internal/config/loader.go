package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. KAIROS_RUN_SYMBOL
const EnvPrefix = "KAIROS"

// Load reads the TOML file at path (optional when empty), applies .env and
// KAIROS_* overrides on top of the defaults, fills a run id when missing
// and validates the result.
func Load(path string) (*Config, error) {
	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if strings.TrimSpace(cfg.Run.RunID) == "" {
		cfg.Run.RunID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the configuration produced by Load with no file and no
// environment overrides, before validation.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.run_id", "")
	v.SetDefault("run.symbol", "BTCUSDT")
	v.SetDefault("run.timeframe", "1m")
	v.SetDefault("run.initial_capital", 10000.0)

	v.SetDefault("costs.fee_bps", 10.0)
	v.SetDefault("costs.slippage_bps", 5.0)

	v.SetDefault("risk.max_position_qty", 0.0)
	v.SetDefault("risk.max_drawdown_pct", 1.0)
	v.SetDefault("risk.max_exposure_pct", 1.0)

	v.SetDefault("orders.size_mode", "qty")

	v.SetDefault("execution.model", "simple")
	v.SetDefault("execution.latency_bars", 1)
	v.SetDefault("execution.buy_kind", "market")
	v.SetDefault("execution.sell_kind", "market")
	v.SetDefault("execution.tif", "gtc")
	v.SetDefault("execution.price_reference", "close")
	v.SetDefault("execution.limit_offset_bps", 10.0)
	v.SetDefault("execution.stop_offset_bps", 10.0)
	v.SetDefault("execution.spread_bps", 0.0)
	v.SetDefault("execution.max_fill_pct_of_volume", 0.25)
	v.SetDefault("execution.expire_after_bars", 0)

	v.SetDefault("metrics.risk_free_rate", 0.0)
	v.SetDefault("metrics.annualization_factor", 0.0)

	v.SetDefault("data.source", "file")
	v.SetDefault("data.path", "data")
	v.SetDefault("data.dsn", "")
	v.SetDefault("data.table", "ohlcv_candles")
	v.SetDefault("data.pool_max_conns", 4)
	v.SetDefault("data.exchange", "binance")
	v.SetDefault("data.market", "spot")
	v.SetDefault("data.source_timeframe", "")
	v.SetDefault("data.stream_url", "wss://stream.binance.com:9443/ws")

	v.SetDefault("data_quality.max_gaps", -1)
	v.SetDefault("data_quality.max_duplicates", -1)
	v.SetDefault("data_quality.max_out_of_order", -1)
	v.SetDefault("data_quality.max_invalid_close", -1)

	v.SetDefault("paper.replay_scale", 0.0)

	v.SetDefault("features.return_mode", "pct")
	v.SetDefault("features.sma_windows", []int{5, 20})
	v.SetDefault("features.volatility_windows", []int{20})
	v.SetDefault("features.rsi_enabled", false)

	v.SetDefault("strategy.baseline", "buy_and_hold")
	v.SetDefault("strategy.size", 1.0)
	v.SetDefault("strategy.sma_short", 10)
	v.SetDefault("strategy.sma_long", 30)

	v.SetDefault("agent.mode", "baseline")
	v.SetDefault("agent.url", "")
	v.SetDefault("agent.timeout_ms", 2000)
	v.SetDefault("agent.retries", 1)
	v.SetDefault("agent.api_version", "v1")
	v.SetDefault("agent.feature_version", "v1")
	v.SetDefault("agent.fallback_action", "HOLD")

	v.SetDefault("sweep.short_windows", []int{5, 10, 20})
	v.SetDefault("sweep.long_windows", []int{30, 50, 100})
	v.SetDefault("sweep.workers", 4)

	v.SetDefault("cpcv.n_groups", 6)
	v.SetDefault("cpcv.k_test", 2)
	v.SetDefault("cpcv.horizon_bars", 1)
	v.SetDefault("cpcv.purge_bars", 0)
	v.SetDefault("cpcv.embargo_bars", 0)
	v.SetDefault("cpcv.start", "")
	v.SetDefault("cpcv.end", "")
	v.SetDefault("cpcv.out", "")
	v.SetDefault("cpcv.workers", 4)

	v.SetDefault("paths.out_dir", "runs")
	v.SetDefault("report.html", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.prefix", "kairos")
	v.SetDefault("s3.force_path_style", true)
}
