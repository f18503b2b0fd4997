// batchload sends batches of value transfers from one account at a fixed
// cadence and reports what the run cost.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gateway-fm/batchload/internal/chain"
	"github.com/gateway-fm/batchload/internal/config"
	"github.com/gateway-fm/batchload/internal/loadgen"
	"github.com/gateway-fm/batchload/internal/metrics"
	"github.com/gateway-fm/batchload/internal/rpc"
	"github.com/gateway-fm/batchload/internal/storage"
	"github.com/gateway-fm/batchload/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one load run and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.PrintUsage(stdout)
			return 0
		}
		slog.New(slog.NewJSONHandler(stderr, nil)).Error("invalid configuration", "error", err)
		return 1
	}

	logger := newLogger(stdout, cfg.Log)
	slog.SetDefault(logger)
	rc := cfg.Run()

	// Interrupts abort the run without a report
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		logger.Warn("interrupted, no report written", "signal", sig.String())
		os.Exit(130)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics := metrics.NewPrometheusMetrics(reg)

	rpcCfg := rpc.DefaultClientConfig(rc.ProviderURL)
	rpcCfg.Observer = promMetrics
	rpcCfg.Logger = logger
	rpcClient := rpc.NewHTTPClient(rpcCfg)

	chainClient, err := chain.New(chain.Config{
		RPC:         rpcClient,
		PrivateKey:  rc.PrivateKey,
		FromAddress: rc.FromAddress,
		ChainID:     rc.ChainID,
		GasLimit:    rc.GasLimit,
		GasTipCap:   rc.GasTipCap,
		LegacyTx:    rc.LegacyTx,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to create chain client", "error", err)
		return 1
	}

	sinks := storage.MultiSink{
		storage.NewJSONFileSink(cfg.Output.ResultsPath),
		&storage.LogSink{Logger: logger},
	}
	// Observers keeps growing until the run starts; the driver holds a pointer.
	observers := loadgen.Observers{}

	var store *storage.SQLiteStore
	if cfg.Output.DatabasePath != "" {
		store, err = storage.NewSQLiteStore(cfg.Output.DatabasePath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.Output.DatabasePath)
			return 1
		}
		defer store.Close()
		logger.Info("initialized storage", "path", cfg.Output.DatabasePath)
		sinks = append(sinks, store)
		observers = append(observers, store)
	}

	driverOpts := []loadgen.Option{
		loadgen.WithLogger(logger),
		loadgen.WithMetrics(promMetrics),
	}
	driver := loadgen.New(loadgen.Config{
		Provider:   rc.ProviderURL,
		From:       rc.FromAddress,
		To:         rc.DestAddress,
		DurationMS: rc.DurationMS,
		IntervalMS: rc.IntervalMS,
		BatchSize:  rc.BatchSize,
		ValueWei:   rc.ValueWei,
	}, chainClient, append(driverOpts, loadgen.WithObserver(&observers))...)

	if cfg.Server.ListenAddr != "" {
		srvCfg := transport.Config{
			Status:             driver,
			Health:             rpcClient,
			Gatherer:           reg,
			Logger:             logger,
			CORSAllowedOrigins: cfg.Server.CORSOrigins,
		}
		if store != nil {
			srvCfg.Store = store
		}
		srv := transport.NewServer(srvCfg)
		if err := srv.Start(cfg.Server.ListenAddr); err != nil {
			logger.Error("failed to start status server", "error", err)
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("status server shutdown failed", "error", err)
			}
		}()
		observers = append(observers, srv.Hub())
	}

	logger.Info("starting run",
		slog.String("runId", driver.RunID()),
		slog.String("provider", rc.ProviderURL),
		slog.String("to", rc.DestAddress.Hex()),
		slog.Int64("durationMs", rc.DurationMS),
		slog.Int64("intervalMs", rc.IntervalMS),
		slog.Int("batchSize", rc.BatchSize),
		slog.Bool("localSigning", rc.PrivateKey != ""))

	ctx := context.Background()
	report, err := driver.Run(ctx)
	if err != nil {
		logger.Error("run failed", "error", err, "setup", errors.Is(err, loadgen.ErrSetup))
		return 1
	}

	if err := sinks.Write(ctx, report); err != nil {
		logger.Error("failed to write results", "error", err)
		return 1
	}
	logger.Info("results written", "path", cfg.Output.ResultsPath)
	return 0
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
