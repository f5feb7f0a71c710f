// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables (.env file).
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CollectorConfig holds per-collector cadence, enable/disable, and
// backfill overrides.
type CollectorConfig struct {
	Enabled         bool
	CadenceSeconds  int
	BackfillWorkers int
	// MinCompletenessToOverwrite is the floor, in percent, a key's
	// existing data_completeness_percentage must already meet for a
	// force=false backfill to skip it rather than overwrite it.
	MinCompletenessToOverwrite float64
}

// Config holds application configuration.
//
// Configuration is loaded from environment variables. All fields have safe
// defaults so the process can start against a freshly provisioned database.
type Config struct {
	Port    int    // HTTP control-plane port (default: 8080)
	LogLevel string // Log level (debug, info, warn, error)
	DevMode bool   // Development mode flag (pretty-printed logs)

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBPoolSize int
	DBSSLMode  string

	CoinGeckoAPIKey string
	FREDAPIKey      string
	NewsAPIKey      string
	EthereumRPCURL  string

	FeatureSetVersion            string
	MaterializedMaxBatchSymbols  int
	MaterializedMaxMemoryMB      int
	MaterializedBackfillWorkers  int
	SchemaDriftRefreshSeconds    int

	CircuitBreakerThreshold       int
	CircuitBreakerCooldownSeconds int

	PlaceholderSweepCron string

	ArchiveRetentionDays int
	ArchiveS3Bucket      string
	ArchiveEnabled       bool

	Collectors map[string]CollectorConfig
}

var defaultCollectorCadence = map[string]int{
	"price":       300,   // 5 min
	"ohlc":        300,   // 5 min
	"onchain":     21600, // 6h
	"macro":       21600, // 6h
	"news":        900,   // 15 min
	"sentiment":   900,   // 15 min
	"technical":   300,   // 5 min
	"derivatives": 900,   // 15 min
	"market":      300,   // 5 min
}

// Load reads configuration from environment variables.
//
// Load first loads a .env file if one exists (via godotenv), then reads
// environment variables with defaults, and finally validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvAsInt("DB_PORT", 5432),
		DBName:     getEnv("DB_NAME", "cryptodata"),
		DBUser:     getEnv("DB_USER", "cryptodata"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBPoolSize: getEnvAsInt("DB_POOL_SIZE", 15),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		CoinGeckoAPIKey: getEnv("COINGECKO_API_KEY", ""),
		FREDAPIKey:      getEnv("FRED_API_KEY", ""),
		NewsAPIKey:      getEnv("NEWSAPI_KEY", ""),
		EthereumRPCURL:  getEnv("ETHEREUM_RPC_URL", ""),

		FeatureSetVersion:           getEnv("FEATURE_SET_VERSION", "v1"),
		MaterializedMaxBatchSymbols: getEnvAsInt("MATERIALIZED_MAX_BATCH_SYMBOLS", 500),
		MaterializedMaxMemoryMB:     getEnvAsInt("MATERIALIZED_MAX_MEMORY_MB", 512),
		MaterializedBackfillWorkers: getEnvAsInt("MATERIALIZED_BACKFILL_WORKERS", 4),
		SchemaDriftRefreshSeconds:   getEnvAsInt("SCHEMA_DRIFT_REFRESH_SECONDS", 900),

		CircuitBreakerThreshold:       getEnvAsInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldownSeconds: getEnvAsInt("CIRCUIT_BREAKER_COOLDOWN_SECONDS", 300),

		PlaceholderSweepCron: getEnv("PLACEHOLDER_SWEEP_CRON", "@hourly"),

		ArchiveRetentionDays: getEnvAsInt("ARCHIVE_RETENTION_DAYS", 180),
		ArchiveS3Bucket:      getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveEnabled:       getEnvAsBool("ARCHIVE_ENABLED", false),
	}

	cfg.Collectors = make(map[string]CollectorConfig, len(defaultCollectorCadence))
	for name, defaultCadence := range defaultCollectorCadence {
		envPrefix := strings.ToUpper(name)
		cfg.Collectors[name] = CollectorConfig{
			Enabled:                    getEnvAsBool(envPrefix+"_ENABLED", true),
			CadenceSeconds:             getEnvAsInt(envPrefix+"_CADENCE_SECONDS", defaultCadence),
			BackfillWorkers:            getEnvAsInt(envPrefix+"_BACKFILL_WORKERS", 2),
			MinCompletenessToOverwrite: float64(getEnvAsInt(envPrefix+"_MIN_COMPLETENESS", 90)),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and internally
// consistent.
func (c *Config) Validate() error {
	if c.DBHost == "" || c.DBName == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("DB_POOL_SIZE must be at least 1")
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be at least 1")
	}
	for name, cc := range c.Collectors {
		if cc.CadenceSeconds < 1 {
			return fmt.Errorf("collector %s: cadence must be at least 1 second", name)
		}
		if cc.MinCompletenessToOverwrite < 0 || cc.MinCompletenessToOverwrite > 100 {
			return fmt.Errorf("collector %s: min completeness must be in [0,100]", name)
		}
	}
	return nil
}

// CircuitBreakerCooldown returns the configured cooldown as a time.Duration.
func (c *Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownSeconds) * time.Second
}

// SchemaDriftRefreshInterval returns the configured schema-drift refresh
// interval as a time.Duration.
func (c *Config) SchemaDriftRefreshInterval() time.Duration {
	return time.Duration(c.SchemaDriftRefreshSeconds) * time.Second
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
