package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, NotifierLog, cfg.Notifier)
	assert.Equal(t, 5.0, cfg.MatchRadiusKm)
	assert.Equal(t, 20, cfg.MatchExpiresInSeconds)
	assert.Equal(t, time.Hour, cfg.HotspotInterval)
	assert.Equal(t, 720*time.Hour, cfg.HotspotLookback)
	assert.Equal(t, 0.01, cfg.HotspotGridSize)
	assert.Equal(t, 1, cfg.HotspotMinTrips)
	assert.Equal(t, 2000.0, cfg.HotspotRadiusM)
	assert.Equal(t, "trip-events", cfg.KafkaTopic)
	assert.False(t, cfg.AuthRequired)
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("PG_DSN", "postgres://localhost/dispatch")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MATCH_RADIUS_KM", "3.5")
	t.Setenv("HOTSPOT_INTERVAL", "15m")
	t.Setenv("AUTH_REQUIRED", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.StoreBackend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3.5, cfg.MatchRadiusKm)
	assert.Equal(t, 15*time.Minute, cfg.HotspotInterval)
	assert.True(t, cfg.AuthRequired)
}

func TestLoadServerConfig_CollectsErrors(t *testing.T) {
	isolate(t)
	t.Setenv("MATCH_RADIUS_KM", "far")
	t.Setenv("HOTSPOT_INTERVAL", "hourly")
	t.Setenv("STORE_BACKEND", "firestore")
	t.Setenv("NOTIFIER", "carrier-pigeon")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid MATCH_RADIUS_KM")
	assert.ErrorContains(t, err, "invalid HOTSPOT_INTERVAL")
	assert.ErrorContains(t, err, "FIREBASE_PROJECT_ID is required")
	assert.ErrorContains(t, err, `unknown NOTIFIER "carrier-pigeon"`)
}

func TestLoadServerConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.env")
	require.NoError(t, os.WriteFile(path, []byte("HOTSPOT_MIN_TRIPS=10\nLOG_LEVEL=DEBUG\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	// godotenv.Load sets process variables; register them for cleanup
	t.Setenv("HOTSPOT_MIN_TRIPS", "")
	t.Setenv("LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("HOTSPOT_MIN_TRIPS"))
	require.NoError(t, os.Unsetenv("LOG_LEVEL"))

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.HotspotMinTrips)
	assert.Equal(t, "debug", cfg.LogLevel)
}
