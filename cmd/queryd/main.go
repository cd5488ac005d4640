// Package main is the entry point for the rastermill query API server.
//
// It loads configuration, opens the dataset pool over the published year
// archives, wires the query service and handlers onto the core chassis, and
// serves HTTP until SIGINT/SIGTERM triggers a graceful shutdown.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rastermill/internal/api/handlers"
	"rastermill/internal/config"
	"rastermill/internal/core"
	"rastermill/internal/db"
	"rastermill/internal/observability"
	"rastermill/internal/pool"
	"rastermill/internal/query"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("query service starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"archive_dir", cfg.Stores.ArchiveDir,
		"tile_dir", cfg.Stores.TileDir,
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	datasets := pool.New(pool.Config{
		ArchiveDir:    cfg.Stores.ArchiveDir,
		Materializers: cfg.Query.Materializers,
		Logger:        logger,
		Metrics:       metrics,
	})
	defer datasets.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStartup()
	if err := datasets.ReloadAll(startupCtx); err != nil {
		return fmt.Errorf("loading dataset pool: %w", err)
	}

	// Ingestion runs in a separate process; the refresh loop is how its
	// publishes become visible here.
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	if cfg.Query.RefreshInterval > 0 {
		go datasets.StartRefresh(refreshCtx, cfg.Query.RefreshInterval)
		logger.Info("periodic dataset refresh enabled", "interval", cfg.Query.RefreshInterval.String())
	}

	// The run ledger is optional; without a database the /v1/runs route
	// reports an empty history.
	var runs handlers.RunLister
	if cfg.Database.URL != "" {
		dbPool, err := db.NewPool(startupCtx, db.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to run ledger: %w", err)
		}
		defer dbPool.Close()
		runs = db.NewRunRepo(dbPool)
	}

	svc := query.NewService(datasets, cfg.Stores.TileDir, metrics, logger)

	srv, err := core.NewServer(logger, metrics)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	rasterHandler := handlers.NewRasterHandler(svc, srv.Validator, logger)
	runsHandler := handlers.NewRunsHandler(runs, logger)
	healthHandler := handlers.NewHealthHandler(cfg.Service)

	srv.Router().Route("/v1", func(r chi.Router) {
		rasterHandler.RegisterRoutes(r)
		runsHandler.RegisterRoutes(r)
	})
	srv.Router().Get("/health", healthHandler.HandleHealth)
	srv.Router().Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
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
