// Package main is the kairos command: backtest, paper, realtime and sweep
// runs, data validation, CPCV fold generation, the operator API, and report
// regeneration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Marcux777/kairos-alloy-sub000/internal/api"
	"github.com/Marcux777/kairos-alloy-sub000/internal/artifacts"
	"github.com/Marcux777/kairos-alloy-sub000/internal/backtester"
	"github.com/Marcux777/kairos-alloy-sub000/internal/config"
	"github.com/Marcux777/kairos-alloy-sub000/internal/events"
	"github.com/Marcux777/kairos-alloy-sub000/internal/orchestrator"
	"github.com/Marcux777/kairos-alloy-sub000/internal/runcontrol"
	"github.com/Marcux777/kairos-alloy-sub000/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const modeServe = "serve"
const modeReport = "report"

func main() {
	configPath := flag.String("config", "", "Path to the TOML config file")
	mode := flag.String("mode", "backtest", "Mode (backtest, paper, realtime, sweep, validate, cpcv, serve, report)")
	outDir := flag.String("out", "", "Override paths.out_dir")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	runDir := flag.String("dir", "", "Run directory for report mode")
	withAPI := flag.Bool("api", false, "Serve the operator API while a run executes")
	strict := flag.Bool("strict", false, "Fail validate mode when data_quality limits are exceeded")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if err := run(logger, *configPath, *mode, *outDir, *runDir, *withAPI, *strict); err != nil {
		if errors.Is(err, backtester.ErrCancelled) {
			logger.Info("Run cancelled")
			return
		}
		logger.Error("Kairos failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, configPath, mode, outDir, runDir string, withAPI, strict bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if outDir != "" {
		cfg.Paths.OutDir = outDir
	}

	if mode == modeReport {
		return regenerate(logger, cfg, runDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting Kairos",
		zap.String("mode", mode),
		zap.String("run_id", cfg.Run.RunID),
		zap.String("symbol", cfg.Run.Symbol),
		zap.String("timeframe", cfg.Run.Timeframe),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	bus := events.NewBus(logger)
	defer bus.Close()
	bus.OnDrop(func(events.EventType) { metrics.DroppedEvent() })

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithBus(bus),
	}
	if cfg.S3.Bucket != "" {
		uploader, err := artifacts.NewS3Uploader(ctx, logger, artifacts.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithUploader(uploader))
	}
	orch := orchestrator.New(logger, cfg, opts...)

	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	g, gctx := errgroup.WithContext(svcCtx)

	if cfg.Redis.Addr != "" {
		publisher, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   10,
			MaxRetries: 3,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		bridge := events.NewRedisBridge(logger, bus, publisher, events.DefaultBufferSize)
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if mode == modeServe || withAPI {
		hub := api.NewHub(logger, orch)
		server := api.NewServer(logger, cfg.Server, orch, hub, reg)
		g.Go(func() error { return hub.ForwardEvents(gctx, bus) })
		g.Go(func() error { return server.Serve(gctx) })
	}

	var runErr error
	if mode == modeServe {
		<-gctx.Done()
		logger.Info("Shutting down")
	} else {
		runErr = execute(ctx, logger, orch, mode, strict)
		stopServices()
	}
	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	orch.Wait()
	return runErr
}

// execute performs one run, a sweep, a validation or a CPCV split
func execute(ctx context.Context, logger *zap.Logger, orch *orchestrator.Orchestrator, mode string, strict bool) error {
	m, err := orchestrator.ParseMode(mode)
	if err != nil {
		return err
	}

	switch m {
	case orchestrator.ModeSweep:
		results, err := orch.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(results)
	case orchestrator.ModeValidate:
		report, err := orch.Validate(ctx, strict)
		if report != nil {
			if perr := printJSON(report); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	case orchestrator.ModeCPCV:
		outcome, err := orch.CPCV(ctx)
		if err != nil {
			return err
		}
		return printJSON(outcome)
	}

	outcome, err := orch.Run(ctx, m, runcontrol.New())
	if err != nil {
		return err
	}
	logger.Info("Run complete",
		zap.String("run_id", outcome.RunID),
		zap.String("dir", outcome.Dir),
		zap.Float64("net_profit", outcome.Results.Summary.NetProfit),
		zap.Float64("sharpe", outcome.Results.Summary.Sharpe),
		zap.Int("trades", outcome.Results.Summary.Trades),
		zap.Bool("halted", outcome.Results.Halted),
		zap.Int("uploaded", len(outcome.Uploaded)),
	)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func regenerate(logger *zap.Logger, cfg *config.Config, runDir string) error {
	if runDir == "" {
		return fmt.Errorf("%w: report mode needs --dir", config.ErrInvalidConfig)
	}
	doc, err := artifacts.Regenerate(runDir, cfg.MetricsConfig(), cfg.Report.HTML)
	if err != nil {
		return err
	}
	logger.Info("Report regenerated",
		zap.String("dir", runDir),
		zap.String("run_id", doc.Meta.RunID),
		zap.Float64("net_profit", doc.NetProfit),
		zap.Int("trades", doc.Trades),
	)
	return nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
