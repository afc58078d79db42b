package server

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/export"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/runfeed"
	"github.com/nicktill/tinystat/pkg/server/monitor"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/badger"
	"github.com/nicktill/tinystat/pkg/storage/memory"
	"github.com/nicktill/tinystat/pkg/storage/postgres"
)

// Storage backends
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	Storage      string
	DataDir      string
	PostgresURL  string
	MaxStorageGB int64
	MaxMemoryMB  int64

	Location     *time.Location
	Workers      int
	StoreTimeout time.Duration

	Retention         retention.Policy
	RollupSchedule    string
	RetentionSchedule string
}

// LoadConfig loads configuration from TINYSTAT_* environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:         getEnv("TINYSTAT_PORT", getEnv("PORT", config.DefaultPort)),
		LogLevel:     getEnv("TINYSTAT_LOG_LEVEL", config.DefaultLogLevel),
		Storage:      strings.ToLower(getEnv("TINYSTAT_STORAGE", config.DefaultStorage)),
		DataDir:      getEnv("TINYSTAT_DATA_DIR", config.DefaultDataDir),
		PostgresURL:  os.Getenv("TINYSTAT_POSTGRES_URL"),
		MaxStorageGB: getEnvInt64("TINYSTAT_MAX_STORAGE_GB", config.DefaultMaxStorageGB),
		MaxMemoryMB:  getEnvInt64("TINYSTAT_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		Workers:      int(getEnvInt64("TINYSTAT_WORKERS", config.DefaultWorkers)),
		StoreTimeout: getEnvDuration("TINYSTAT_STORE_TIMEOUT", config.DefaultStoreTimeout),
		Retention: retention.Policy{
			Weeks:  int(getEnvInt64("TINYSTAT_WEEK_RETENTION", config.DefaultWeekRetention)),
			Months: int(getEnvInt64("TINYSTAT_MONTH_RETENTION", config.DefaultMonthRetention)),
		},
		RollupSchedule:    getEnv("TINYSTAT_ROLLUP_SCHEDULE", config.DefaultRollupSchedule),
		RetentionSchedule: getEnv("TINYSTAT_RETENTION_SCHEDULE", config.DefaultRetentionSchedule),
	}

	loc, err := LoadLocation(getEnv("TINYSTAT_TIMEZONE", config.DefaultTimezone))
	if err != nil {
		return Config{}, err
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c Config) Validate() error {
	switch c.Storage {
	case BackendBadger, BackendMemory:
	case BackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("TINYSTAT_POSTGRES_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want badger, postgres or memory)", c.Storage)
	}
	if _, err := cron.ParseStandard(c.RollupSchedule); err != nil {
		return fmt.Errorf("invalid rollup schedule %q: %w", c.RollupSchedule, err)
	}
	if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.RetentionSchedule, err)
	}
	return nil
}

// LoadLocation resolves an IANA zone name; "Local" and "" mean the host zone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// InitializeStorage opens the configured backend.
func InitializeStorage(ctx context.Context, cfg Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case BackendMemory:
		logger.Warn("using in-memory storage, data will not survive a restart")
		return memory.New(), nil

	case BackendPostgres:
		logger.Info("connecting to PostgreSQL storage")
		store, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		logger.Info("PostgreSQL storage initialized")
		return store, nil

	default:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logger.Info("initializing BadgerDB storage",
			zap.String("path", cfg.DataDir),
			zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
		)
		store, err := badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("BadgerDB storage initialized")
		return store, nil
	}
}

// InitializeHandlers creates the export/import handler and the run feed hub.
func InitializeHandlers(
	store storage.Store,
	storageMonitor *monitor.StorageMonitor,
	logger *zap.Logger,
) (*export.Handler, *runfeed.Hub) {
	exportHandler := export.NewHandler(store, logger)
	if storageMonitor != nil {
		exportHandler.SetStorageChecker(storageMonitor)
	}

	hub := runfeed.NewHub(logger)
	return exportHandler, hub
}

// getEnv gets a string from environment variable or returns default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		zap.L().Warn("invalid integer setting, using default",
			zap.String("key", key), zap.String("value", val), zap.Int64("default", defaultValue))
	}
	return defaultValue
}

// getEnvDuration gets a duration from environment variable or returns default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		zap.L().Warn("invalid duration setting, using default",
			zap.String("key", key), zap.String("value", val), zap.Duration("default", defaultValue))
	}
	return defaultValue
}
