package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://localhost/perparb
redis_url: redis://localhost:6379/0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.Aggregator.ReconcileInterval)
	assert.Equal(t, 5*time.Second, cfg.Detector.DebounceWindow)
	assert.Equal(t, 10*time.Second, cfg.Positions.SyncInitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.Capital.ReservationTTL)
	assert.Equal(t, float64(6), cfg.Execution.MinNotionalUSD)
	assert.Equal(t, float64(20), cfg.Aggregator.ConflictThresholdPct)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://env:6379/1", cfg.RedisURL)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}

func TestLoad_MissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_ExchangeEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://localhost/perparb
redis_url: redis://localhost:6379/0
exchanges:
  - slug: binance
    variant: generic
    enabled: true
  - slug: hyperliquid
    variant: hyperliquid
    enabled: true
  - slug: dydx
    variant: dydx
    enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Exchanges, 3)
	assert.Equal(t, "binance", cfg.Exchanges[0].Slug)
	assert.Equal(t, "hyperliquid", cfg.Exchanges[1].Variant)
	assert.False(t, cfg.Exchanges[2].Enabled)
}
