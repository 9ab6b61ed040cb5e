package database

import (
	"fmt"
	"strings"
)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	DatabaseTypeSQLite     DatabaseType = "sqlite"
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
	DatabaseTypeMariaDB    DatabaseType = "mariadb"
)

// ParseDatabaseType maps user input onto a supported type. Unknown values fall back to SQLite.
func ParseDatabaseType(s string) DatabaseType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "pg":
		return DatabaseTypePostgreSQL
	case "mysql":
		return DatabaseTypeMySQL
	case "mariadb":
		return DatabaseTypeMariaDB
	default:
		return DatabaseTypeSQLite
	}
}

// DatabaseConfig holds the configuration for database connections
type DatabaseConfig struct {
	Type     DatabaseType `json:"type" yaml:"type" env:"DATABASE_TYPE"`
	Host     string       `json:"host,omitempty" yaml:"host,omitempty" env:"DATABASE_HOST"`
	Port     int          `json:"port,omitempty" yaml:"port,omitempty" env:"DATABASE_PORT"`
	Database string       `json:"database,omitempty" yaml:"name,omitempty" env:"DATABASE_NAME"`
	Username string       `json:"username,omitempty" yaml:"user,omitempty" env:"DATABASE_USER"`
	Password string       `json:"-" yaml:"password,omitempty" env:"DATABASE_PASSWORD"`
	SSLMode  string       `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" env:"DATABASE_SSL_MODE"`
	Path     string       `json:"path,omitempty" yaml:"path,omitempty" env:"DATABASE_PATH"` // SQLite only

	MaxOpenConns    int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty" env:"DATABASE_CONN_MAX_LIFETIME"` // minutes
}

// EffectivePort returns the configured port or the default for the database type.
func (c *DatabaseConfig) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	switch c.Type {
	case DatabaseTypePostgreSQL:
		return 5432
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return 3306
	}
	return 0
}

// Validate checks if the database configuration is valid
func (c *DatabaseConfig) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.Path == "" {
			return fmt.Errorf("SQLite database path is required")
		}
	case DatabaseTypePostgreSQL, DatabaseTypeMySQL, DatabaseTypeMariaDB:
		if c.Host == "" {
			return fmt.Errorf("database host is required for %s", c.Type)
		}
		if c.Database == "" {
			return fmt.Errorf("database name is required for %s", c.Type)
		}
		if c.EffectivePort() <= 0 {
			return fmt.Errorf("valid database port is required for %s", c.Type)
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// GetDSN returns the data source name for the database connection
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case DatabaseTypeSQLite:
		return c.Path
	case DatabaseTypePostgreSQL:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "prefer"
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
			c.Host, c.EffectivePort(), c.Database, sslMode)
		if c.Username != "" {
			dsn += " user=" + c.Username
		}
		if c.Password != "" {
			dsn += " password=" + c.Password
		}
		return dsn
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.Username, c.Password, c.Host, c.EffectivePort(), c.Database)
	default:
		return ""
	}
}
