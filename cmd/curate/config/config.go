// Package config reads the curation run settings from the environment, with
// an optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything a curation run needs.
type Config struct {
	// Version selects the conformance release: v3, v4 or v5.
	Version string
	// Preset selects the constraint set: standard or reduced.
	Preset string
	// Seed fixes the randomized choices for reproducible runs.
	Seed int64

	// GeneratorCommand, when set, is run before loading to produce the
	// source population under SourceDir.
	GeneratorCommand string
	// SourceDir holds the generated bundles when loading from disk.
	SourceDir string
	// DatabaseDSN, when set, loads staged bundles from Postgres instead.
	DatabaseDSN string
	// OutputDir is the root for curated data, bulk export and validation
	// reports.
	OutputDir string

	// ValidatorURL points at a FHIR server exposing $validate. Empty
	// disables validation.
	ValidatorURL string
}

// Load reads the configuration. A .env file in the working directory is
// merged in when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Version:          getenv("CURATOR_VERSION", "v4"),
		Preset:           getenv("CURATOR_PRESET", "standard"),
		GeneratorCommand: os.Getenv("CURATOR_GENERATOR_CMD"),
		SourceDir:        getenv("CURATOR_SOURCE_DIR", "output/raw/fhir"),
		DatabaseDSN:      os.Getenv("CURATOR_DATABASE_DSN"),
		OutputDir:        getenv("CURATOR_OUTPUT_DIR", "output"),
		ValidatorURL:     os.Getenv("CURATOR_VALIDATOR_URL"),
	}

	seed := getenv("CURATOR_SEED", "4")
	parsed, err := strconv.ParseInt(seed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CURATOR_SEED %q: %w", seed, err)
	}
	cfg.Seed = parsed

	switch cfg.Preset {
	case "standard", "reduced":
	default:
		return nil, fmt.Errorf("invalid CURATOR_PRESET %q, want standard or reduced", cfg.Preset)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
