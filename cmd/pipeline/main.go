// Package main — cmd/pipeline/main.go
//
// Bioprocess pipeline entrypoint.
//
// Startup sequence:
//  1. Load and validate config from flag -config (default /etc/bioprocess-pipeline/config.yaml).
//  2. Initialise structured logger (zap).
//  3. Open the local BoltDB durability layer and report any pre-restart snapshot.
//  4. Construct the TSDB Gateway, Data Cleaner, Feature Engineer, and Monitoring.
//  5. Wire the Pipeline Orchestrator from those collaborators.
//  6. Start the Control Surface HTTP server on a background goroutine.
//  7. Start the continuous worker.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to the worker and the Control Surface).
//  2. Close local state.
//  3. Flush logger.
//  4. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scionresearch/bioprocess-pipeline/internal/cleaner"
	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/control"
	"github.com/scionresearch/bioprocess-pipeline/internal/feature"
	"github.com/scionresearch/bioprocess-pipeline/internal/localstate"
	"github.com/scionresearch/bioprocess-pipeline/internal/monitoring"
	"github.com/scionresearch/bioprocess-pipeline/internal/orchestrator"
	"github.com/scionresearch/bioprocess-pipeline/internal/tsdb"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/bioprocess-pipeline/config.yaml", "Path to config.yaml")
	statePath := flag.String("state-db", localstate.DefaultDBPath, "Path to the local durability BoltDB file")
	flag.Parse()

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("bioprocess pipeline starting",
		zap.String("vessel_id", cfg.VesselID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Local durability layer ────────────────────────────────────────
	local, err := localstate.Open(*statePath)
	if err != nil {
		log.Fatal("local state open failed", zap.Error(err), zap.String("path", *statePath))
	}
	defer local.Close() //nolint:errcheck

	if snap, err := local.GetSnapshot(); err != nil {
		log.Warn("local snapshot read failed", zap.Error(err))
	} else if snap != nil {
		log.Info("restored last-known snapshot from before restart",
			zap.String("vessel_id", snap.VesselID),
			zap.Int("cycle_count", snap.CycleCount),
			zap.Time("updated_at", snap.UpdatedAt),
		)
	}

	// ── Step 4: Collaborators ─────────────────────────────────────────────────
	gateway := tsdb.NewGateway(cfg.TSDB, cfg.VesselID, log)

	cln := cleaner.New(cfg.Bounds, log)
	eng := feature.New(cfg.Pipeline, log)

	mon, err := monitoring.NewMonitor(cfg.Broker, cfg.VesselID, log)
	if err != nil {
		log.Fatal("monitoring/MQTT connect failed", zap.Error(err))
	}
	defer mon.Close()

	// ── Step 5: Orchestrator ──────────────────────────────────────────────────
	orch := orchestrator.New(gateway, cln, eng, mon, cfg.Pipeline, cfg.VesselID, log).WithLocalState(local)

	// ── Step 6: Control Surface ───────────────────────────────────────────────
	metricsHandler := promhttp.HandlerFor(mon.Registry(), promhttp.HandlerOpts{})
	srv := control.NewServer(cfg.Observability.ControlAddr, orch, cfg, metricsHandler, log)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Error("control surface error", zap.Error(err))
		}
	}()
	log.Info("control surface started", zap.String("addr", cfg.Observability.ControlAddr))

	// ── Step 7: Start the continuous worker ──────────────────────────────────
	orch.Start(ctx)
	log.Info("pipeline worker started",
		zap.Int("window_seconds", cfg.Pipeline.WindowSeconds),
		zap.Int("processing_interval_seconds", cfg.Pipeline.ProcessingIntervalSeconds),
	)

	// ── Step 8: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	orch.Stop()
	cancel()

	log.Info("bioprocess pipeline shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
