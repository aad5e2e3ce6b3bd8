// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for databases and run artifacts (always absolute)
	LogLevel       string
	Port           int
	DevMode        bool
	ComplianceCron string // Cron expression for the scheduled compliance run ("" disables)

	// Monte Carlo defaults, overridable per request
	DefaultPaths   int
	DefaultWorkers int

	// Optional S3 archive of completed run artifacts
	ArchiveBucket string
	ArchivePrefix string
	ArchiveRegion string
}

// Load reads configuration from the environment, with .env support for
// local development. Missing values fall back to defaults.
func Load() (*Config, error) {
	// Best-effort: absence of a .env file is not an error
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:        getEnv("CLOVAL_DATA_DIR", "./data"),
		LogLevel:       getEnv("CLOVAL_LOG_LEVEL", "info"),
		Port:           getEnvInt("CLOVAL_PORT", 8090),
		DevMode:        getEnvBool("CLOVAL_DEV_MODE", false),
		ComplianceCron: getEnv("CLOVAL_COMPLIANCE_CRON", ""),
		DefaultPaths:   getEnvInt("CLOVAL_MC_PATHS", 1000),
		DefaultWorkers: getEnvInt("CLOVAL_MC_WORKERS", 0), // 0 = GOMAXPROCS
		ArchiveBucket:  getEnv("CLOVAL_ARCHIVE_BUCKET", ""),
		ArchivePrefix:  getEnv("CLOVAL_ARCHIVE_PREFIX", "runs"),
		ArchiveRegion:  getEnv("CLOVAL_ARCHIVE_REGION", "eu-central-1"),
	}

	abs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir %q: %w", cfg.DataDir, err)
	}
	cfg.DataDir = abs

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	return cfg, nil
}

// ResultsDBPath returns the path of the run-results database.
func (c *Config) ResultsDBPath() string {
	return filepath.Join(c.DataDir, "results.db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
