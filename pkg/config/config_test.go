package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 120*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 600*time.Second, cfg.MaxExecutionTimeout)
	assert.Equal(t, 900*time.Second, cfg.LongTimeout)
	assert.Equal(t, 90.0, cfg.RAMThresholdPercent)
	assert.Equal(t, 0.70, cfg.BudgetSoftFraction)
	assert.Equal(t, 5*time.Second, cfg.UserCooldown)
	assert.Equal(t, filepath.Join(cfg.DataDir, "pip-cache"), cfg.PipCacheDir)
}

func TestPipCacheDirOverride(t *testing.T) {
	t.Setenv("GOLEM_PIP_CACHE_DIR", "/var/cache/golem-pip")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/golem-pip", cfg.PipCacheDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("EXECUTION_TIMEOUT", "60")
	t.Setenv("DAILY_BUDGET_USD", "2.5")
	t.Setenv("ALLOWED_USER_IDS", "U123, U456 ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 2.5, cfg.DailyBudgetUSD)
	assert.Equal(t, []string{"U123", "U456"}, cfg.AllowedUserIDs)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"negative retries", "MAX_RETRIES", "-1"},
		{"zero concurrency", "MAX_CONCURRENT_TASKS", "0"},
		{"timeout above cap", "EXECUTION_TIMEOUT", "9999"},
		{"budget fraction above one", "BUDGET_SOFT_FRACTION", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestUserAllowed(t *testing.T) {
	cfg := &Config{AllowedUserIDs: []string{"U1"}}
	assert.True(t, cfg.UserAllowed("U1"))
	assert.False(t, cfg.UserAllowed("U2"))

	// Empty allowlist denies everyone.
	empty := &Config{}
	assert.False(t, empty.UserAllowed("U1"))
}

func TestMalformedNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("MAX_RETRIES", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
}
