// Package config provides unified configuration loading for docmill.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for docmill.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Engine        EngineConfig        `yaml:"engine"`
	Queue         QueueConfig         `yaml:"queue"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	APIKey           string        `yaml:"api_key"`
}

// DatabaseConfig holds work-item store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds conversion cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`

	// ArtifactDir stores converted PDFs keyed by source content hash,
	// so re-submitting an unchanged document skips the engine. Empty
	// disables artifact caching.
	ArtifactDir string      `yaml:"artifact_dir"`
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EngineConfig holds conversion engine lifecycle settings.
type EngineConfig struct {
	// Render settings for the native PDF engine.
	DPI         int `yaml:"dpi"`
	JPEGQuality int `yaml:"jpeg_quality"`

	// SofficeBinary is the LibreOffice executable used for office formats.
	SofficeBinary  string        `yaml:"soffice_binary"`
	ConvertTimeout time.Duration `yaml:"convert_timeout"`

	// Session lifecycle.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

// QueueConfig holds work queue settings.
type QueueConfig struct {
	// PurgeAfter controls how long terminal work items are retained.
	PurgeAfter time.Duration `yaml:"purge_after"`
}

// PipelineConfig holds document pipeline settings.
type PipelineConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	StagingDir        string   `yaml:"staging_dir"`
	DefaultCompany    string   `yaml:"default_company"`
	DefaultScope      string   `yaml:"default_scope"`
	WriteReport       bool     `yaml:"write_report"`
	WriteManifest     bool     `yaml:"write_manifest"`
}

// ResilienceConfig holds retry and circuit breaker settings.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// RetryConfig holds retry policy settings for transient engine failures.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// ProgressChannel, when set with a redis cache driver, receives
	// batch progress events for remote watchers.
	ProgressChannel string `yaml:"progress_channel"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/docmill.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:      "memory",
			TTL:         24 * time.Hour,
			MaxEntries:  10000,
			ArtifactDir: filepath.Join(os.TempDir(), "docmill-artifacts"),
			Redis: RedisConfig{
				Addr:     "localhost:6380",
				DB:       0,
				PoolSize: 10,
			},
		},
		Engine: EngineConfig{
			DPI:                 150,
			JPEGQuality:         85,
			SofficeBinary:       "soffice",
			ConvertTimeout:      2 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
			IdleTimeout:         5 * time.Minute,
		},
		Queue: QueueConfig{
			PurgeAfter: 7 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			MaxFileSize: 100 * 1024 * 1024, // 100MB
			AllowedExtensions: []string{
				".pdf", ".doc", ".docx", ".xls", ".xlsx", ".xlsm",
				".ppt", ".pptx", ".rtf", ".odt", ".ods", ".odp",
				".xps", ".epub", ".cbz", ".png", ".jpg", ".jpeg", ".tiff",
			},
			StagingDir:     "",
			DefaultCompany: "Unknown Company",
			DefaultScope:   "General",
			WriteReport:    true,
			WriteManifest:  true,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxRetries:        3,
				InitialDelay:      500 * time.Millisecond,
				BackoffMultiplier: 2.0,
				MaxDelay:          10 * time.Second,
			},
			Breaker: BreakerConfig{
				Threshold: 5,
				Cooldown:  30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:        "debug",
			LogFormat:       "json",
			ProgressChannel: "docmill:progress",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Engine.DPI < 36 || c.Engine.DPI > 600 {
		return fmt.Errorf("engine dpi must be between 36 and 600")
	}

	if c.Engine.JPEGQuality < 1 || c.Engine.JPEGQuality > 100 {
		return fmt.Errorf("engine jpeg_quality must be between 1 and 100")
	}

	if c.Pipeline.MaxFileSize < 1 {
		return fmt.Errorf("max_file_size must be positive")
	}

	if c.Resilience.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}

	if c.Resilience.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry backoff_multiplier must be at least 1.0")
	}

	if c.Resilience.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite"
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCMILL_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DOCMILL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DOCMILL_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		// Parse redis://host:port format
		addr := strings.TrimPrefix(v, "redis://")
		cfg.Cache.Redis.Addr = addr
	}

	if v := os.Getenv("DOCMILL_SOFFICE_BINARY"); v != "" {
		cfg.Engine.SofficeBinary = v
	}

	if v := os.Getenv("DOCMILL_STAGING_DIR"); v != "" {
		cfg.Pipeline.StagingDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
