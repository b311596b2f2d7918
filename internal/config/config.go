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
	DataDir     string // Base directory for databases and the price cache
	SnapshotDir string // Drop directory watched for new screening snapshots
	LogLevel    string
	Port        int
	DevMode     bool
	RefreshCron string // cron expression for the snapshot refresh job; empty disables
	S3Bucket    string // optional report archive bucket; empty disables uploads
	S3Prefix    string // key prefix inside the bucket
	AWSRegion   string

	// Tax rates applied to realized gains during simulations.
	TaxShortTermRate    float64
	TaxLongTermRate     float64
	TaxSurtaxRate       float64
	TaxJurisdictionRate float64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BACKTESTER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	snapshotDir := getEnv("BACKTESTER_SNAPSHOT_DIR", filepath.Join(absDataDir, "snapshots"))

	port, err := strconv.Atoi(getEnv("BACKTESTER_PORT", "8090"))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKTESTER_PORT: %w", err)
	}

	return &Config{
		DataDir:     absDataDir,
		SnapshotDir: snapshotDir,
		LogLevel:    getEnv("BACKTESTER_LOG_LEVEL", "info"),
		Port:        port,
		DevMode:     getEnv("BACKTESTER_DEV_MODE", "false") == "true",
		RefreshCron: getEnv("BACKTESTER_REFRESH_CRON", ""),
		S3Bucket:    getEnv("BACKTESTER_S3_BUCKET", ""),
		S3Prefix:    getEnv("BACKTESTER_S3_PREFIX", "reports"),
		AWSRegion:   getEnv("AWS_REGION", "us-east-1"),

		TaxShortTermRate:    getEnvFloat("BACKTESTER_TAX_SHORT_TERM", 0.35),
		TaxLongTermRate:     getEnvFloat("BACKTESTER_TAX_LONG_TERM", 0.15),
		TaxSurtaxRate:       getEnvFloat("BACKTESTER_TAX_SURTAX", 0.038),
		TaxJurisdictionRate: getEnvFloat("BACKTESTER_TAX_JURISDICTION", 0.0),
	}, nil
}

// DatabasePath returns the path of a named database file inside DataDir.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// getEnv retrieves an environment variable with a fallback default.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvFloat retrieves a float environment variable with a fallback
// default. Unparseable values fall back rather than erroring.
func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}
