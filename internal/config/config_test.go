package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets every variable Load reads so a test starts from a
// clean environment regardless of the host shell.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEDGER_API_URL", "LEDGER_API_TOKEN", "LEDGER_DATA_DIR",
		"LEDGER_SPOOL_DIR", "DEVICE_NAME", "ENVIRONMENT",
		"SYNC_INTERVAL", "MIN_PULL_INTERVAL",
		"MAX_ATTEMPTS", "BACKOFF_BASE", "BACKOFF_CAP", "PROMPT_TIMEOUT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setAPIEnv sets the minimum required environment for Load to succeed.
func setAPIEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LEDGER_API_URL", "https://ledger.example.com/api")
	t.Setenv("LEDGER_API_TOKEN", "test-token")
	t.Setenv("LEDGER_DATA_DIR", t.TempDir())
}

// --- Load: happy path ---

func TestLoad_MinimalEnv(t *testing.T) {
	clearConfigEnv(t)
	setAPIEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://ledger.example.com/api", cfg.APIBaseURL)
	assert.Equal(t, "test-token", cfg.APIToken)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setAPIEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 30*time.Second, cfg.MinPullInterval)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.BackoffCap)
	assert.Equal(t, 30*time.Second, cfg.PromptTimeout)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.Empty(t, cfg.SpoolDir)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setAPIEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SYNC_INTERVAL", "1m")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_BASE", "500ms")
	t.Setenv("BACKOFF_CAP", "10s")
	t.Setenv("DEVICE_NAME", "till-01")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.BackoffCap)
	assert.Equal(t, "till-01", cfg.DeviceName)
}

func TestLoad_ResolvesDirsToAbsolutePaths(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("LEDGER_API_URL", "https://ledger.example.com/api")
	t.Setenv("LEDGER_API_TOKEN", "test-token")
	t.Setenv("LEDGER_DATA_DIR", "relative/data")
	t.Setenv("LEDGER_SPOOL_DIR", "relative/spool")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.DataDir), "data dir should be absolute, got %q", cfg.DataDir)
	assert.True(t, filepath.IsAbs(cfg.SpoolDir), "spool dir should be absolute, got %q", cfg.SpoolDir)
}

// --- Load: validation ---

func TestLoad_MissingAPIURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("LEDGER_API_TOKEN", "test-token")
	t.Setenv("LEDGER_DATA_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_API_URL is required")
}

func TestLoad_MissingAPIToken(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("LEDGER_API_URL", "https://ledger.example.com/api")
	t.Setenv("LEDGER_DATA_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_API_TOKEN is required")
}

func TestLoad_RejectsZeroMaxAttempts(t *testing.T) {
	clearConfigEnv(t)
	setAPIEnv(t)
	t.Setenv("MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ATTEMPTS")
}

func TestLoad_RejectsCapBelowBase(t *testing.T) {
	clearConfigEnv(t)
	setAPIEnv(t)
	t.Setenv("BACKOFF_BASE", "10s")
	t.Setenv("BACKOFF_CAP", "1s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKOFF_CAP")
}

func TestLoad_RejectsNegativePullInterval(t *testing.T) {
	clearConfigEnv(t)
	setAPIEnv(t)
	t.Setenv("MIN_PULL_INTERVAL", "-5s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIN_PULL_INTERVAL")
}
