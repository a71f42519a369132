package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Period)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, 4*time.Minute, cfg.Scheduler.RunTimeout)
	assert.Equal(t, time.Minute, cfg.Executor.Period)
	assert.Equal(t, 20, cfg.Executor.MaxPerTick)
	assert.Equal(t, 10*time.Minute, cfg.Executor.StuckTimeout)
	assert.Equal(t, 8, cfg.Executor.MaxAttempts)
	assert.Equal(t, 3*time.Minute, cfg.Refresher.StaleThreshold)
	assert.Equal(t, 0.002, cfg.Trading.FeeBuffer)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "https://api.kraken.com", cfg.Exchange.BaseURL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DCA_SCHEDULER_CONCURRENCY", "4")
	t.Setenv("DCA_LOG_LEVEL", "debug")
	t.Setenv("DCA_EXECUTOR_MAX_PER_TICK", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Executor.MaxPerTick)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base(t)
	cfg.Scheduler.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Scheduler.RunTimeout = cfg.Scheduler.Period // must stay below the period
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Trading.FeeBuffer = 0.5
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Ledger.Backend = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Ledger.Backend = "firestore"
	cfg.Ledger.FirestoreProject = ""
	assert.Error(t, cfg.Validate())
}
