// loader.go implements the configuration loading lifecycle:
//
//  1. Enforce UTC timezone to prevent calendar-day drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Process envconfig struct tags to populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load loads and validates the process configuration from the environment.
func Load() (*Config, error) {
	// Every store keys data by UTC calendar day; a process-local timezone
	// would shift day boundaries.
	time.Local = time.UTC

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}
