// Package config defines the process configuration for both rastermill
// binaries. Configuration is loaded once at startup and immutable
// thereafter; it follows 12-Factor principles by strictly separating code
// from configuration. Any missing required value or invalid format fails
// the process immediately.
package config

import (
	"time"
)

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	// System metadata.
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"rastermill"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server    ServerConfig
	Database  DatabaseConfig
	Stores    StoreConfig
	Providers ProviderConfig
	Ingest    IngestConfig
	Query     QueryConfig
}

// ServerConfig holds the query API HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds the run-ledger database connection parameters. The
// database is optional: an empty URL disables the ledger entirely, which is
// the normal mode for local development.
type DatabaseConfig struct {
	URL             string        `envconfig:"DATABASE_URL" validate:"omitempty,url"`
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// StoreConfig locates the two on-disk raster stores.
type StoreConfig struct {
	TileDir    string `envconfig:"TILE_DIR" validate:"required"`
	ArchiveDir string `envconfig:"ARCHIVE_DIR" validate:"required"`
}

// ProviderConfig holds upstream endpoints for the source adapters.
type ProviderConfig struct {
	CHIRPSBaseURL string        `envconfig:"CHIRPS_BASE_URL" validate:"required,url"`
	ERA5BaseURL   string        `envconfig:"ERA5_BASE_URL" validate:"required,url"`
	MODISBaseURL  string        `envconfig:"MODIS_BASE_URL" validate:"required,url"`
	GLMBaseURL    string        `envconfig:"GLM_BASE_URL" validate:"required,url"`
	HTTPTimeout   time.Duration `envconfig:"PROVIDER_HTTP_TIMEOUT" default:"60s"`
}

// IngestConfig tunes the pipeline runner.
type IngestConfig struct {
	// Sources is the comma-separated list of sources a run covers.
	Sources []string `envconfig:"INGEST_SOURCES" default:"chirps,era5_t2m,era5_wind,modis_ndvi,glm"`
	// BackfillDays is how far back from today a run's date range starts.
	BackfillDays int `envconfig:"INGEST_BACKFILL_DAYS" default:"30" validate:"min=1"`
	Workers      int `envconfig:"INGEST_WORKERS" default:"8" validate:"min=1,max=64"`
	// Interval between runs; zero means run once and exit.
	Interval time.Duration `envconfig:"INGEST_INTERVAL" default:"0"`
}

// QueryConfig tunes the query service.
type QueryConfig struct {
	Materializers int64 `envconfig:"QUERY_MATERIALIZERS" default:"16" validate:"min=1,max=256"`
	// RefreshInterval between dataset pool reloads, so queryd picks up
	// archives published by a separate ingest process. Zero disables the
	// periodic refresh.
	RefreshInterval time.Duration `envconfig:"QUERY_REFRESH_INTERVAL" default:"5m"`
}
