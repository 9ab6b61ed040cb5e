package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
)

// ErrNotFound is returned by repository lookups that match no row.
var ErrNotFound = errors.New("record not found")

// Database wraps the GORM database connection
type Database struct {
	db     *gorm.DB
	config *DatabaseConfig
	logger *logger.Logger
}

// Open connects using cfg (falling back to SQLite when the configured
// database is unreachable) and migrates the schema.
func Open(cfg *DatabaseConfig, log *logger.Logger) (*Database, error) {
	db, used, err := ConnectWithFallback(cfg, log)
	if err != nil {
		return nil, err
	}
	return newDatabase(db, used, log)
}

// NewDatabase opens a SQLite database at dbPath and migrates the schema.
func NewDatabase(dbPath string, log *logger.Logger) (*Database, error) {
	cfg := &DatabaseConfig{Type: DatabaseTypeSQLite, Path: dbPath}
	db, err := (&SQLiteDriver{}).Connect(cfg, log)
	if err != nil {
		return nil, err
	}
	return newDatabase(db, cfg, log)
}

func newDatabase(db *gorm.DB, cfg *DatabaseConfig, log *logger.Logger) (*Database, error) {
	d := &Database{db: db, config: cfg, logger: log.Component("database")}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	d.logger.Info("Database connection established", map[string]interface{}{
		"type": cfg.Type,
	})
	return d, nil
}

func (d *Database) migrate() error {
	err := d.db.AutoMigrate(
		&models.Book{},
		&models.ProgressHistoryEntry{},
		&models.DeviceProgressWatermark{},
		&models.DeviceDownload{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	d.logger.Debug("Database migrations completed")
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.logger.Info("Database connection closed")
	return nil
}

// GetDB returns the underlying GORM database instance
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

// Config returns the configuration the connection was actually opened with.
func (d *Database) Config() *DatabaseConfig {
	return d.config
}

// Health checks the database connection
func (d *Database) Health() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// GetDefaultDatabasePath returns the default path for the database file
func GetDefaultDatabasePath() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, "reader-progress.db")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
