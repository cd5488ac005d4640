// Package main is the entry point for the rastermill ingestion daemon.
//
// Each cycle runs the full pipeline once per configured source: gap
// detection against both stores, bounded-concurrency provider downloads,
// tile publishing, and per-year archive merges. With INGEST_INTERVAL unset
// the process runs one cycle and exits, which is the contract for external
// orchestrators (at-least-once, retryable: a failed run leaves every
// unfinished date in the next run's gap set). With an interval it loops
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rastermill/internal/archive"
	"rastermill/internal/config"
	"rastermill/internal/db"
	"rastermill/internal/external"
	"rastermill/internal/gaps"
	"rastermill/internal/ingest"
	"rastermill/internal/observability"
	"rastermill/internal/sources"
	"rastermill/internal/tiles"
	"rastermill/internal/types"
)

const userAgent = "rastermill-ingest/1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("ingestion daemon starting",
		"environment", cfg.Environment,
		"sources", cfg.Ingest.Sources,
		"backfill_days", cfg.Ingest.BackfillDays,
		"interval", cfg.Ingest.Interval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	clock := clockwork.NewRealClock()

	var ledger ingest.RunLedger
	if cfg.Database.URL != "" {
		dbPool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to run ledger: %w", err)
		}
		defer dbPool.Close()
		ledger = db.NewRunRepo(dbPool)
	}

	httpClient := &http.Client{Timeout: cfg.Providers.HTTPTimeout}
	policy := external.DefaultRetryPolicy()
	newClient := func(provider string) *external.DownloadClient {
		return external.NewDownloadClient(httpClient, provider, policy, userAgent)
	}

	registry := sources.NewRegistry(
		sources.NewCHIRPSAdapter(newClient("chirps"), cfg.Providers.CHIRPSBaseURL, sources.DefaultCHIRPSSpec, clock, logger),
		sources.NewERA5TemperatureAdapter(newClient("era5"), cfg.Providers.ERA5BaseURL, clock, logger),
		sources.NewERA5WindAdapter(newClient("era5"), cfg.Providers.ERA5BaseURL, clock, logger),
		sources.NewMODISAdapter(newClient("modis"), cfg.Providers.MODISBaseURL, sources.DefaultMODISSpec, clock, logger),
		sources.NewGLMAdapter(newClient("glm"), cfg.Providers.GLMBaseURL, sources.DefaultGLMSpec, clock, logger),
	)

	runner := ingest.NewRunner(ingest.Config{
		Detector: gaps.NewDetector(cfg.Stores.TileDir, cfg.Stores.ArchiveDir, logger),
		Adapters: registry,
		Tiles:    tiles.NewWriter(cfg.Stores.TileDir, tiles.NopNotifier{}, logger),
		Merger:   archive.NewMerger(cfg.Stores.ArchiveDir, archive.DefaultChunkShape, logger),
		Ledger:   ledger,
		Metrics:  metrics,
		Clock:    clock,
		Logger:   logger,
		Workers:  cfg.Ingest.Workers,
	})

	// Metrics endpoint for scrape-based collection in interval mode.
	if cfg.Ingest.Interval > 0 {
		go serveMetrics(logger, cfg.Server.Port)
	}

	runAll := func() {
		today := types.DayOf(clock.Now())
		dayRange := types.DayRange{Start: today.AddDays(-cfg.Ingest.BackfillDays), End: today}
		for _, name := range cfg.Ingest.Sources {
			source := types.SourceID(name)
			if ctx.Err() != nil {
				return
			}
			if _, err := runner.RunSource(ctx, source, dayRange); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.ErrorContext(ctx, "ingest run aborted",
					"source", source,
					"error", err,
				)
			}
		}
	}

	runAll()
	if cfg.Ingest.Interval <= 0 {
		logger.Info("single cycle complete, exiting")
		return nil
	}

	ticker := time.NewTicker(cfg.Ingest.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case <-ticker.C:
			runAll()
		}
	}
}

// serveMetrics exposes /metrics for Prometheus. Failures are logged, not
// fatal.
func serveMetrics(logger *slog.Logger, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
