package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vjranagit/promrelay/pkg/api"
	"github.com/vjranagit/promrelay/pkg/storage"
	"github.com/vjranagit/promrelay/pkg/types"
)

// ErrInvalidConfig is returned by Validate for any rejected setting
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application configuration
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Storage     StorageConfig      `yaml:"storage"`
	Client      ClientConfig       `yaml:"client"`
	Log         LogConfig          `yaml:"log"`
	DataSources []DataSourceConfig `yaml:"data_sources"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
	ProxyID    string        `yaml:"proxy_id"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string        `yaml:"path"`
	RetentionDays    int           `yaml:"retention_days"`
	CompressionLevel int           `yaml:"compression_level"`
	EnableWAL        bool          `yaml:"enable_wal"`
	CacheCapacity    int           `yaml:"cache_capacity"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	LookbackDelta    time.Duration `yaml:"lookback_delta"`
}

// ClientConfig holds settings for relayctl
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DataSourceConfig names a data source served by the relay endpoint
type DataSourceConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Tenant string `yaml:"tenant"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			Timeout:    30 * time.Second,
			ProxyID:    "local",
		},
		Storage: StorageConfig{
			Path:             "./data",
			RetentionDays:    30,
			CompressionLevel: 3,
			EnableWAL:        true,
			CacheCapacity:    256,
			CacheTTL:         30 * time.Second,
			LookbackDelta:    5 * time.Minute,
		},
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:9090",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		DataSources: []DataSourceConfig{
			{Name: "default", Type: string(types.DataSourceKindPrometheus), Tenant: "default"},
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.ProxyID = getEnv("PROXY_ID", c.Server.ProxyID)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.RetentionDays = getEnvInt("RETENTION_DAYS", c.Storage.RetentionDays)
	c.Storage.CompressionLevel = getEnvInt("COMPRESSION_LEVEL", c.Storage.CompressionLevel)
	c.Storage.EnableWAL = getEnvBool("ENABLE_WAL", c.Storage.EnableWAL)
	c.Client.BaseURL = getEnv("RELAY_BASE_URL", c.Client.BaseURL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig(logger logrus.FieldLogger) *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		EnableWAL:        c.Storage.EnableWAL,
		Logger:           logger,
	}
}

// ToServerConfig converts to api.Config
func (c *Config) ToServerConfig(logger logrus.FieldLogger) *api.Config {
	return &api.Config{
		Addr:          c.Server.ListenAddr,
		Timeout:       c.Server.Timeout,
		ProxyID:       c.Server.ProxyID,
		LookbackDelta: c.Storage.LookbackDelta,
		DataSources: lo.Map(c.DataSources, func(ds DataSourceConfig, _ int) api.DataSource {
			return api.DataSource{
				Name:   ds.Name,
				Kind:   types.DataSourceKind(ds.Type),
				Tenant: ds.Tenant,
			}
		}),
		Logger: logger,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("%w: server listen address is required", ErrInvalidConfig)
	}

	if c.Server.ProxyID == "" {
		return fmt.Errorf("%w: server proxy id is required", ErrInvalidConfig)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage path is required", ErrInvalidConfig)
	}

	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("%w: retention days must be at least 1", ErrInvalidConfig)
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("%w: compression level must be between 1 and 4", ErrInvalidConfig)
	}

	if c.Storage.LookbackDelta <= 0 {
		return fmt.Errorf("%w: lookback delta must be positive", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log format must be text or json", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.DataSources))
	for _, ds := range c.DataSources {
		if ds.Name == "" {
			return fmt.Errorf("%w: data source name is required", ErrInvalidConfig)
		}
		if seen[ds.Name] {
			return fmt.Errorf("%w: duplicate data source %q", ErrInvalidConfig, ds.Name)
		}
		seen[ds.Name] = true

		switch types.DataSourceKind(ds.Type) {
		case types.DataSourceKindPrometheus, types.DataSourceKindElasticsearch,
			types.DataSourceKindLoki, types.DataSourceKindProxy:
		default:
			return fmt.Errorf("%w: data source %q has unknown type %q", ErrInvalidConfig, ds.Name, ds.Type)
		}
	}

	return nil
}

// NewLogger builds a logger from the log section
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
