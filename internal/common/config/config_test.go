package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Manager.MaxConcurrentStarts)
	assert.Equal(t, 100, cfg.Manager.MaxCompletedTasks)
	assert.Equal(t, 500*time.Millisecond, cfg.Manager.IdleDebounce())
	assert.Equal(t, 102400, cfg.Manager.ResultMaxBytes)
	assert.Equal(t, time.Minute, cfg.Manager.OrphanSweepInterval())
	assert.Equal(t, 30*time.Minute, cfg.Manager.RunningTimeout())
	assert.Equal(t, ".opencode/background-tasks.json", cfg.Manager.StatePath)
	assert.False(t, cfg.Manager.TmuxMirror)

	assert.Equal(t, 3, cfg.Limiter.DefaultLimit)
	assert.Equal(t, 5*time.Minute, cfg.Limiter.AcquireTimeout())
	assert.Equal(t, 3, cfg.Limiter.ModelLimits["anthropic/*"])
	assert.Equal(t, 5, cfg.Limiter.ModelLimits["openai/*"])
	assert.Equal(t, 10, cfg.Limiter.ModelLimits["google/*"])

	assert.Equal(t, 3, cfg.Notifications.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Notifications.RetryDelay())
	assert.Equal(t, 5, cfg.Notifications.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Notifications.RecoveryTimeout())
	assert.Equal(t, 3, cfg.Notifications.HalfOpenMaxCalls)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
manager:
  maxConcurrentStarts: 4
  idleDebounceMs: 250
limiter:
  defaultLimit: 2
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bgtasks.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Manager.MaxConcurrentStarts)
	assert.Equal(t, 250, cfg.Manager.IdleDebounceMs)
	assert.Equal(t, 2, cfg.Limiter.DefaultLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Manager.MaxCompletedTasks)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BGTASKS_MANAGER_MAXCONCURRENTSTARTS", "7")
	t.Setenv("BGTASKS_LOGGING_LEVEL", "warn")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Manager.MaxConcurrentStarts)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidation(t *testing.T) {
	t.Run("rejects non-positive limits", func(t *testing.T) {
		dir := t.TempDir()
		content := `
manager:
  maxConcurrentStarts: 0
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bgtasks.yaml"), []byte(content), 0o644))
		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maxConcurrentStarts")
	})

	t.Run("rejects unknown log level", func(t *testing.T) {
		dir := t.TempDir()
		content := `
logging:
  level: verbose
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bgtasks.yaml"), []byte(content), 0o644))
		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})
}
