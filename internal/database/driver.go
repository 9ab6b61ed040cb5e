package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drallgood/reader-progress-sync/internal/logger"
)

// DatabaseDriver interface defines the contract for database drivers
type DatabaseDriver interface {
	Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error)
	GetDialector(config *DatabaseConfig) gorm.Dialector
	PrepareDatabase(config *DatabaseConfig) error
}

// gormWriter routes GORM's slow-query and error output into our logger.
type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(format, args...)
}

func gormConfig(log *logger.Logger) *gorm.Config {
	if log == nil {
		return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	}
	return &gorm.Config{
		Logger: gormlogger.New(gormWriter{log: log.Component("gorm")}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

func open(d DatabaseDriver, config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	if err := d.PrepareDatabase(config); err != nil {
		return nil, err
	}
	db, err := gorm.Open(d.GetDialector(config), gormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", config.Type, err)
	}
	return db, nil
}

func configurePool(db *gorm.DB, maxOpen, maxIdle int, lifetime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}
	return nil
}

// SQLiteDriver implements DatabaseDriver for SQLite
type SQLiteDriver struct{}

func (d *SQLiteDriver) Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	db, err := open(d, config, log)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer.
	if err := configurePool(db, 1, 1, time.Hour); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *SQLiteDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return sqlite.Open(config.Path)
}

func (d *SQLiteDriver) PrepareDatabase(config *DatabaseConfig) error {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// PostgreSQLDriver implements DatabaseDriver for PostgreSQL
type PostgreSQLDriver struct{}

func (d *PostgreSQLDriver) Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	db, err := open(d, config, log)
	if err != nil {
		return nil, err
	}
	if err := configurePool(db, config.MaxOpenConns, config.MaxIdleConns, time.Duration(config.ConnMaxLifetime)*time.Minute); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *PostgreSQLDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return postgres.Open(config.GetDSN())
}

// PrepareDatabase is a no-op; PostgreSQL databases are provisioned externally.
func (d *PostgreSQLDriver) PrepareDatabase(config *DatabaseConfig) error {
	return nil
}

// MySQLDriver implements DatabaseDriver for MySQL/MariaDB
type MySQLDriver struct{}

func (d *MySQLDriver) Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	db, err := open(d, config, log)
	if err != nil {
		return nil, err
	}
	if err := configurePool(db, config.MaxOpenConns, config.MaxIdleConns, time.Duration(config.ConnMaxLifetime)*time.Minute); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *MySQLDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return mysql.Open(config.GetDSN())
}

func (d *MySQLDriver) PrepareDatabase(config *DatabaseConfig) error {
	return nil
}

// GetDatabaseDriver returns the appropriate driver for the given database type
func GetDatabaseDriver(dbType DatabaseType) (DatabaseDriver, error) {
	switch dbType {
	case DatabaseTypeSQLite:
		return &SQLiteDriver{}, nil
	case DatabaseTypePostgreSQL:
		return &PostgreSQLDriver{}, nil
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return &MySQLDriver{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// ConnectWithFallback attempts to connect to the configured database,
// falling back to SQLite at the default path if that fails.
func ConnectWithFallback(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, *DatabaseConfig, error) {
	if err := config.Validate(); err != nil {
		log.Warn("Invalid database configuration, falling back to SQLite", map[string]interface{}{
			"error": err.Error(),
			"type":  config.Type,
		})
		return connectSQLiteFallback(log)
	}

	driver, err := GetDatabaseDriver(config.Type)
	if err != nil {
		log.Warn("Unsupported database type, falling back to SQLite", map[string]interface{}{
			"error": err.Error(),
			"type":  config.Type,
		})
		return connectSQLiteFallback(log)
	}

	db, err := driver.Connect(config, log)
	if err != nil {
		if config.Type == DatabaseTypeSQLite {
			return nil, nil, err
		}
		log.Warn("Failed to connect to configured database, falling back to SQLite", map[string]interface{}{
			"error": err.Error(),
			"type":  config.Type,
			"host":  config.Host,
		})
		return connectSQLiteFallback(log)
	}

	log.Info("Connected to database", map[string]interface{}{
		"type": config.Type,
		"host": config.Host,
	})
	return db, config, nil
}

func connectSQLiteFallback(log *logger.Logger) (*gorm.DB, *DatabaseConfig, error) {
	fallback := &DatabaseConfig{
		Type: DatabaseTypeSQLite,
		Path: GetDefaultDatabasePath(),
	}
	db, err := (&SQLiteDriver{}).Connect(fallback, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to fallback SQLite database: %w", err)
	}
	log.Info("Connected to fallback SQLite database", map[string]interface{}{
		"path": fallback.Path,
	})
	return db, fallback, nil
}
