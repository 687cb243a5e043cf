package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmonitor/go-collector/internal/model"
)

// isolate points HOME at a temp dir so no real config or id file is touched.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultDatabasePath, cfg.DatabasePath)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, time.Second, cfg.Backoff.Initial)
	assert.Equal(t, 60*time.Second, cfg.Backoff.Max)
	assert.True(t, strings.HasPrefix(cfg.Collector.ID, "collector-"))
	assert.Len(t, cfg.Collector.ID, len("collector-")+8)

	persisted, err := os.ReadFile(filepath.Join(home, ".config", "meshtastic-monitor", "collector_id"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Collector.ID, strings.TrimSpace(string(persisted)))

	again, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Collector.ID, again.Collector.ID, "collector id is stable across restarts")
}

func TestLayering(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateways: ["10.0.0.5", "10.0.0.6:1884"]
database_path: /var/lib/mesh/file.db
log_level: debug
collector:
  id: from-file
  name: Roof
sync:
  enabled: true
  api_url: https://central.example/
  api_key: file-key
  interval: 2m
backoff:
  initial: 2s
  max: 30s
`), 0o644))

	t.Setenv("MESHMON_DB_PATH", "/tmp/env.db")
	t.Setenv("MESHMON_SYNC_INTERVAL", "90")

	cfg, err := Load([]string{"--config", path, "--log-level", "warn", "extra-gw:2000"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.DatabasePath, "env overrides file")
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "warn", cfg.LogLevel, "flags override env and file")
	assert.Equal(t, "from-file", cfg.Collector.ID)
	assert.Equal(t, "Roof", cfg.Collector.Name)
	assert.Equal(t, 2*time.Second, cfg.Backoff.Initial)

	eps, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, []model.Endpoint{
		{Host: "10.0.0.5", Port: 1883},
		{Host: "10.0.0.6", Port: 1884},
		{Host: "extra-gw", Port: 2000},
	}, eps)
}

func TestGatewayFlagReplacesList(t *testing.T) {
	isolate(t)
	t.Setenv("MESHMON_GATEWAYS", "a, b")

	cfg, err := Load([]string{"-g", "c", "-g", "c:1883", "--collector-id", "x"})
	require.NoError(t, err)
	eps, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, []model.Endpoint{{Host: "c", Port: 1883}}, eps)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Sync.Enabled = true
	cfg.Sync.Interval = 5 * time.Second
	cfg.Backoff.Initial = time.Minute
	cfg.Backoff.Max = time.Second
	cfg.Gateways = []string{"host:notaport"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, ConfigError.Has(err))
	for _, want := range []string{"api url", "api key", "sync interval", "backoff", "bad port"} {
		assert.Contains(t, err.Error(), want)
	}

	require.NoError(t, Default().Validate())
}

func TestExplicitMissingFileFails(t *testing.T) {
	isolate(t)
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
	assert.True(t, ConfigError.Has(err))
}

func TestLoadCentral(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://central@db/mesh")
	t.Setenv("API_KEYS", "k1, k2,")

	cfg, err := LoadCentral([]string{"--listen", ":9000"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddress)
	assert.Equal(t, "postgres://central@db/mesh", cfg.DatabaseURL)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.False(t, cfg.Insecure)
}

func TestLoadCentralRequiresKeys(t *testing.T) {
	t.Setenv("API_KEYS", " , ")

	_, err := LoadCentral(nil)
	require.Error(t, err)
	assert.True(t, ConfigError.Has(err))

	cfg, err := LoadCentral([]string{"--insecure"})
	require.NoError(t, err)
	assert.True(t, cfg.Insecure)
	assert.Empty(t, cfg.APIKeys)

	cfg, err = LoadCentral([]string{"--api-key", "k1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, cfg.APIKeys)
}
