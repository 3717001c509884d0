package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/promrelay/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "local", cfg.Server.ProxyID)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 256, cfg.Storage.CacheCapacity)
	assert.Equal(t, 5*time.Minute, cfg.Storage.LookbackDelta)
	assert.True(t, cfg.Storage.EnableWAL)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithoutPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage, cfg.Storage)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "127.0.0.1:8080"
  proxy_id: edge-1
storage:
  path: /var/lib/promrelay
  compression_level: 4
  cache_ttl: 1m
  lookback_delta: 10m
log:
  level: debug
  format: json
data_sources:
  - name: prod
    type: prometheus
    tenant: team-a
  - name: logs
    type: loki
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
	assert.Equal(t, "edge-1", cfg.Server.ProxyID)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout, "unset keys keep their defaults")
	assert.Equal(t, "/var/lib/promrelay", cfg.Storage.Path)
	assert.Equal(t, 4, cfg.Storage.CompressionLevel)
	assert.Equal(t, time.Minute, cfg.Storage.CacheTTL)
	assert.Equal(t, 10*time.Minute, cfg.Storage.LookbackDelta)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	assert.Equal(t, []DataSourceConfig{
		{Name: "prod", Type: "prometheus", Tenant: "team-a"},
		{Name: "logs", Type: "loki"},
	}, cfg.DataSources)

	srv := cfg.ToServerConfig(nil)
	assert.Equal(t, "edge-1", srv.ProxyID)
	assert.Equal(t, 10*time.Minute, srv.LookbackDelta)
	require.Len(t, srv.DataSources, 2)
	assert.Equal(t, types.DataSourceKindPrometheus, srv.DataSources[0].Kind)
	assert.Equal(t, "team-a", srv.DataSources[0].Tenant)

	store := cfg.ToStorageConfig(nil)
	assert.Equal(t, "/var/lib/promrelay", store.Path)
	assert.Equal(t, 4, store.CompressionLevel)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  proxy_id: from-file\n")

	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("PROXY_ID", "from-env")
	t.Setenv("STORAGE_PATH", "/tmp/relay")
	t.Setenv("RETENTION_DAYS", "7")
	t.Setenv("COMPRESSION_LEVEL", "not-a-number")
	t.Setenv("ENABLE_WAL", "false")
	t.Setenv("RELAY_BASE_URL", "http://relay:9090")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, "from-env", cfg.Server.ProxyID)
	assert.Equal(t, "/tmp/relay", cfg.Storage.Path)
	assert.Equal(t, 7, cfg.Storage.RetentionDays)
	assert.Equal(t, 3, cfg.Storage.CompressionLevel, "unparsable values are ignored")
	assert.False(t, cfg.Storage.EnableWAL)
	assert.Equal(t, "http://relay:9090", cfg.Client.BaseURL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddr = "" }},
		{"empty proxy id", func(c *Config) { c.Server.ProxyID = "" }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero retention", func(c *Config) { c.Storage.RetentionDays = 0 }},
		{"compression too high", func(c *Config) { c.Storage.CompressionLevel = 5 }},
		{"zero lookback", func(c *Config) { c.Storage.LookbackDelta = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"unnamed data source", func(c *Config) {
			c.DataSources = append(c.DataSources, DataSourceConfig{Type: "prometheus"})
		}},
		{"duplicate data source", func(c *Config) {
			c.DataSources = append(c.DataSources, c.DataSources[0])
		}},
		{"unknown data source type", func(c *Config) {
			c.DataSources = []DataSourceConfig{{Name: "x", Type: "graphite"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "expected ErrInvalidConfig, got %v", err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cfg.Log.Level = "nope"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
