package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/drallgood/reader-progress-sync/internal/database"
)

// Config holds all configuration for the application
type Config struct {
	Server struct {
		Port            string        `yaml:"port" env:"PORT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`

	Database database.DatabaseConfig `yaml:"database"`

	Storage struct {
		// Root is the directory holding book files and progress sidecars.
		Root string `yaml:"root" env:"STORAGE_ROOT"`
	} `yaml:"storage"`

	Queue struct {
		MaxAttempts int           `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS"`
		BaseDelay   time.Duration `yaml:"base_delay" env:"QUEUE_BASE_DELAY"`
		Retention   time.Duration `yaml:"retention" env:"QUEUE_RETENTION"`
	} `yaml:"queue"`

	Stats struct {
		DefaultDays int `yaml:"default_days" env:"STATS_DEFAULT_DAYS"`
	} `yaml:"stats"`

	BookSource struct {
		BaseURL   string        `yaml:"base_url" env:"BOOK_SOURCE_URL"`
		Timeout   time.Duration `yaml:"timeout" env:"BOOK_SOURCE_TIMEOUT"`
		RateLimit time.Duration `yaml:"rate_limit" env:"BOOK_SOURCE_RATE_LIMIT"`
		Burst     int           `yaml:"burst" env:"BOOK_SOURCE_BURST"`
	} `yaml:"book_source"`

	Metadata struct {
		Enabled  bool          `yaml:"enabled" env:"METADATA_ENABLED"`
		URL      string        `yaml:"url" env:"HARDCOVER_URL"`
		Token    string        `yaml:"token" env:"HARDCOVER_TOKEN"`
		CacheTTL time.Duration `yaml:"cache_ttl" env:"METADATA_CACHE_TTL"`
	} `yaml:"metadata"`

	Trash struct {
		Retention     time.Duration `yaml:"retention" env:"TRASH_RETENTION"`
		PurgeInterval time.Duration `yaml:"purge_interval" env:"TRASH_PURGE_INTERVAL"`
	} `yaml:"trash"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 60 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Database = database.DatabaseConfig{
		Type:            database.DatabaseTypeSQLite,
		Path:            database.GetDefaultDatabasePath(),
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 60,
	}

	cfg.Storage.Root = filepath.Join(dataDir(), "storage")

	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BaseDelay = 500 * time.Millisecond
	cfg.Queue.Retention = 30 * time.Minute

	cfg.Stats.DefaultDays = 365

	cfg.BookSource.Timeout = 60 * time.Second
	cfg.BookSource.RateLimit = 500 * time.Millisecond
	cfg.BookSource.Burst = 2

	cfg.Metadata.URL = "https://api.hardcover.app/v1/graphql"
	cfg.Metadata.CacheTTL = 24 * time.Hour

	cfg.Trash.Retention = 30 * 24 * time.Hour
	cfg.Trash.PurgeInterval = time.Hour
	return cfg
}

// Load loads configuration from a file (if specified) and environment variables.
// Priority: environment variables, then the config file, then defaults.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ConfigError{Field: "config", Msg: "file does not exist: " + path}
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 leaves fields absent from the document untouched, so defaults survive.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.BookSource.BaseURL = strings.TrimSuffix(c.BookSource.BaseURL, "/")
	c.Database.Type = database.ParseDatabaseType(string(c.Database.Type))
	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return &ConfigError{Field: "server.port", Msg: "must not be empty"}
	}
	if c.Queue.MaxAttempts < 1 {
		return &ConfigError{Field: "queue.max_attempts", Msg: "must be at least 1"}
	}
	if c.Queue.BaseDelay <= 0 {
		return &ConfigError{Field: "queue.base_delay", Msg: "must be positive"}
	}
	if c.Stats.DefaultDays < 30 || c.Stats.DefaultDays > 730 {
		return &ConfigError{Field: "stats.default_days", Msg: "must be between 30 and 730"}
	}
	if c.Storage.Root == "" {
		return &ConfigError{Field: "storage.root", Msg: "must not be empty"}
	}
	if c.Metadata.Enabled && c.Metadata.Token == "" {
		return &ConfigError{Field: "metadata.token", Msg: "is required when metadata lookup is enabled"}
	}
	if err := c.Database.Validate(); err != nil {
		return &ConfigError{Field: "database", Msg: err.Error()}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.Contains(c.Server.Port, ":") {
		return c.Server.Port
	}
	return ":" + c.Server.Port
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

func dataDir() string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}
