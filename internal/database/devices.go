package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
)

// DeviceProgressRepository stores per-device progress watermarks.
type DeviceProgressRepository struct {
	db     *Database
	logger *logger.Logger
}

// NewDeviceProgressRepository creates a new watermark repository
func NewDeviceProgressRepository(db *Database, log *logger.Logger) *DeviceProgressRepository {
	return &DeviceProgressRepository{db: db, logger: log.Component("watermark_repository")}
}

// UpsertByDeviceAndBook sets the watermark for (deviceID, bookID). Last write wins.
func (r *DeviceProgressRepository) UpsertByDeviceAndBook(ctx context.Context, deviceID, bookID, progressUpdatedAt string) error {
	wm := models.DeviceProgressWatermark{
		DeviceID:          deviceID,
		BookID:            bookID,
		ProgressUpdatedAt: progressUpdatedAt,
		UpdatedAt:         time.Now().UTC(),
	}
	err := r.db.GetDB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"progress_updated_at", "updated_at"}),
	}).Create(&wm).Error
	if err != nil {
		return fmt.Errorf("failed to upsert watermark for device %s: %w", deviceID, err)
	}
	r.logger.Debug("Upserted device watermark", map[string]interface{}{
		"device_id":           deviceID,
		"book_id":             bookID,
		"progress_updated_at": progressUpdatedAt,
	})
	return nil
}

// GetByDevice returns every watermark stored for the device.
func (r *DeviceProgressRepository) GetByDevice(ctx context.Context, deviceID string) ([]models.DeviceProgressWatermark, error) {
	var rows []models.DeviceProgressWatermark
	if err := r.db.GetDB().WithContext(ctx).Where("device_id = ?", deviceID).Order("book_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load watermarks for device %s: %w", deviceID, err)
	}
	return rows, nil
}

// DeviceDownloadRepository records which devices pulled which book files.
type DeviceDownloadRepository struct {
	db     *Database
	logger *logger.Logger
}

// NewDeviceDownloadRepository creates a new download marker repository
func NewDeviceDownloadRepository(db *Database, log *logger.Logger) *DeviceDownloadRepository {
	return &DeviceDownloadRepository{db: db, logger: log.Component("download_repository")}
}

// Create marks the book as downloaded by the device. Repeated calls are no-ops.
func (r *DeviceDownloadRepository) Create(ctx context.Context, deviceID, bookID string) error {
	row := models.DeviceDownload{
		DeviceID:     deviceID,
		BookID:       bookID,
		DownloadedAt: time.Now().UTC(),
	}
	err := r.db.GetDB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "book_id"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record download for device %s: %w", deviceID, err)
	}
	return nil
}

// GetByDevice lists the download markers of a device.
func (r *DeviceDownloadRepository) GetByDevice(ctx context.Context, deviceID string) ([]models.DeviceDownload, error) {
	var rows []models.DeviceDownload
	if err := r.db.GetDB().WithContext(ctx).Where("device_id = ?", deviceID).Order("downloaded_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load downloads for device %s: %w", deviceID, err)
	}
	return rows, nil
}

// GetByBook lists the download markers of a book, ordered by device.
func (r *DeviceDownloadRepository) GetByBook(ctx context.Context, bookID string) ([]models.DeviceDownload, error) {
	var rows []models.DeviceDownload
	if err := r.db.GetDB().WithContext(ctx).Where("book_id = ?", bookID).Order("device_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load downloads for book %s: %w", bookID, err)
	}
	return rows, nil
}

// DeleteByBook removes every marker of the book and returns how many were removed.
func (r *DeviceDownloadRepository) DeleteByBook(ctx context.Context, bookID string) (int64, error) {
	result := r.db.GetDB().WithContext(ctx).Where("book_id = ?", bookID).Delete(&models.DeviceDownload{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset downloads for book %s: %w", bookID, result.Error)
	}
	r.logger.Debug("Reset download markers", map[string]interface{}{
		"book_id": bookID,
		"removed": result.RowsAffected,
	})
	return result.RowsAffected, nil
}

// DeleteByDeviceAndBook removes a marker so the book shows up as new again.
func (r *DeviceDownloadRepository) DeleteByDeviceAndBook(ctx context.Context, deviceID, bookID string) error {
	result := r.db.GetDB().WithContext(ctx).
		Where("device_id = ? AND book_id = ?", deviceID, bookID).
		Delete(&models.DeviceDownload{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete download marker: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
