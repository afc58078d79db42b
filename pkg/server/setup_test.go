package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/storage/badger"
	"github.com/nicktill/tinystat/pkg/storage/memory"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TINYSTAT_PORT", "")
	t.Setenv("TINYSTAT_STORAGE", "")
	t.Setenv("TINYSTAT_TIMEZONE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, BackendBadger, cfg.Storage)
	assert.Equal(t, config.DefaultWorkers, cfg.Workers)
	assert.Equal(t, config.DefaultWeekRetention, cfg.Retention.Weeks)
	assert.Equal(t, config.DefaultMonthRetention, cfg.Retention.Months)
	assert.Equal(t, config.DefaultStoreTimeout, cfg.StoreTimeout)
	assert.Equal(t, time.Local, cfg.Location)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("TINYSTAT_PORT", "9090")
	t.Setenv("TINYSTAT_STORAGE", "Memory")
	t.Setenv("TINYSTAT_WORKERS", "8")
	t.Setenv("TINYSTAT_TIMEZONE", "Asia/Shanghai")
	t.Setenv("TINYSTAT_WEEK_RETENTION", "4")
	t.Setenv("TINYSTAT_MONTH_RETENTION", "not-a-number")
	t.Setenv("TINYSTAT_STORE_TIMEOUT", "1m")
	t.Setenv("TINYSTAT_ROLLUP_SCHEDULE", "0 2 * * *")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Storage)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "Asia/Shanghai", cfg.Location.String())
	assert.Equal(t, 4, cfg.Retention.Weeks)
	assert.Equal(t, config.DefaultMonthRetention, cfg.Retention.Months)
	assert.Equal(t, time.Minute, cfg.StoreTimeout)
	assert.Equal(t, "0 2 * * *", cfg.RollupSchedule)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"TINYSTAT_STORAGE": "mongo"}},
		{"postgres without url", map[string]string{"TINYSTAT_STORAGE": "postgres"}},
		{"bad timezone", map[string]string{"TINYSTAT_TIMEZONE": "Mars/Olympus"}},
		{"bad rollup schedule", map[string]string{"TINYSTAT_ROLLUP_SCHEDULE": "daily at noon"}},
		{"bad retention schedule", map[string]string{"TINYSTAT_RETENTION_SCHEDULE": "* * *"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestInitializeStorage(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("memory", func(t *testing.T) {
		cfg := testConfig()
		store, err := InitializeStorage(ctx, cfg, logger)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &memory.Storage{}, store)
	})

	t.Run("badger", func(t *testing.T) {
		cfg := testConfig()
		cfg.Storage = BackendBadger
		cfg.DataDir = t.TempDir() + "/data"
		cfg.MaxMemoryMB = 16
		store, err := InitializeStorage(ctx, cfg, logger)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &badger.Storage{}, store)
	})
}
