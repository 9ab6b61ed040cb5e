package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
)

// ProgressUpdate carries the book columns written when a sidecar upload is accepted.
type ProgressUpdate struct {
	ProgressStorageKey string
	ProgressUpdatedAt  string
	// ProgressPercent is left untouched when nil.
	ProgressPercent *float64
}

// BookRepository provides catalog persistence. Trashed books are hidden from
// every lookup that does not say otherwise.
type BookRepository struct {
	db     *Database
	logger *logger.Logger
}

// NewBookRepository creates a new book repository
func NewBookRepository(db *Database, log *logger.Logger) *BookRepository {
	return &BookRepository{db: db, logger: log.Component("book_repository")}
}

func (r *BookRepository) active(ctx context.Context) *gorm.DB {
	return r.db.GetDB().WithContext(ctx).Where("books.trashed_at IS NULL")
}

// GetAll returns every non-trashed book in catalog order.
func (r *BookRepository) GetAll(ctx context.Context) ([]models.Book, error) {
	var books []models.Book
	if err := r.active(ctx).Order("created_at, id").Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

// GetByID returns a non-trashed book or ErrNotFound.
func (r *BookRepository) GetByID(ctx context.Context, id string) (*models.Book, error) {
	var book models.Book
	if err := r.active(ctx).Where("id = ?", id).First(&book).Error; err != nil {
		return nil, notFound(err)
	}
	return &book, nil
}

// GetByIDIncludingTrashed returns a book regardless of trash state.
func (r *BookRepository) GetByIDIncludingTrashed(ctx context.Context, id string) (*models.Book, error) {
	var book models.Book
	if err := r.db.GetDB().WithContext(ctx).Where("id = ?", id).First(&book).Error; err != nil {
		return nil, notFound(err)
	}
	return &book, nil
}

// GetByStorageKey looks up a non-trashed book by its primary storage key.
func (r *BookRepository) GetByStorageKey(ctx context.Context, key string) (*models.Book, error) {
	var book models.Book
	if err := r.active(ctx).Where("storage_key = ?", key).First(&book).Error; err != nil {
		return nil, notFound(err)
	}
	return &book, nil
}

// GetByExternalID looks up a book (trashed or not) by its book-source id.
func (r *BookRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Book, error) {
	var book models.Book
	if err := r.db.GetDB().WithContext(ctx).Where("external_id = ?", externalID).First(&book).Error; err != nil {
		return nil, notFound(err)
	}
	return &book, nil
}

// Create inserts a new book
func (r *BookRepository) Create(ctx context.Context, book *models.Book) error {
	if err := r.db.GetDB().WithContext(ctx).Create(book).Error; err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}
	r.logger.Info("Created book", map[string]interface{}{
		"book_id":     book.ID,
		"storage_key": book.StorageKey,
	})
	return nil
}

// UpdateProgress records an accepted progress upload on the book row.
func (r *BookRepository) UpdateProgress(ctx context.Context, id string, upd ProgressUpdate) error {
	values := map[string]interface{}{
		"progress_storage_key": upd.ProgressStorageKey,
		"progress_updated_at":  upd.ProgressUpdatedAt,
		"updated_at":           time.Now().UTC(),
	}
	if upd.ProgressPercent != nil {
		values["progress_percent"] = *upd.ProgressPercent
	}
	return r.UpdateFields(ctx, id, values)
}

// UpdateFields writes the given columns. A nil value clears the column.
func (r *BookRepository) UpdateFields(ctx context.Context, id string, values map[string]interface{}) error {
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = time.Now().UTC()
	}
	result := r.db.GetDB().WithContext(ctx).Model(&models.Book{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update book %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the book together with its ledger, watermarks and download markers.
func (r *BookRepository) Delete(ctx context.Context, id string) error {
	return r.db.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", id).Delete(&models.ProgressHistoryEntry{}).Error; err != nil {
			return fmt.Errorf("failed to delete progress history: %w", err)
		}
		if err := tx.Where("book_id = ?", id).Delete(&models.DeviceProgressWatermark{}).Error; err != nil {
			return fmt.Errorf("failed to delete watermarks: %w", err)
		}
		if err := tx.Where("book_id = ?", id).Delete(&models.DeviceDownload{}).Error; err != nil {
			return fmt.Errorf("failed to delete device downloads: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Book{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete book: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MoveToTrash marks the book trashed until expiresAt.
func (r *BookRepository) MoveToTrash(ctx context.Context, id string, at, expiresAt time.Time) error {
	result := r.active(ctx).Model(&models.Book{}).Where("id = ?", id).Updates(map[string]interface{}{
		"trashed_at":       at.UTC(),
		"trash_expires_at": expiresAt.UTC(),
		"updated_at":       at.UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to trash book %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreFromTrash clears the trash markers.
func (r *BookRepository) RestoreFromTrash(ctx context.Context, id string) error {
	return r.UpdateFields(ctx, id, map[string]interface{}{
		"trashed_at":       nil,
		"trash_expires_at": nil,
	})
}

// GetTrashed lists trashed books, most recently trashed first.
func (r *BookRepository) GetTrashed(ctx context.Context) ([]models.Book, error) {
	var books []models.Book
	err := r.db.GetDB().WithContext(ctx).
		Where("trashed_at IS NOT NULL").
		Order("trashed_at DESC, id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trash: %w", err)
	}
	return books, nil
}

// GetExpiredTrash lists trashed books whose retention ended at or before now.
func (r *BookRepository) GetExpiredTrash(ctx context.Context, now time.Time) ([]models.Book, error) {
	var books []models.Book
	err := r.db.GetDB().WithContext(ctx).
		Where("trashed_at IS NOT NULL AND trash_expires_at <= ?", now.UTC()).
		Order("trash_expires_at, id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trash: %w", err)
	}
	return books, nil
}

// GetNotDownloadedByDevice lists books the device has not pulled yet,
// skipping archived books and books excluded from the new-books feed.
func (r *BookRepository) GetNotDownloadedByDevice(ctx context.Context, deviceID string) ([]models.Book, error) {
	var books []models.Book
	err := r.active(ctx).
		Select("books.*").
		Joins("LEFT JOIN device_downloads dd ON dd.book_id = books.id AND dd.device_id = ?", deviceID).
		Where("dd.id IS NULL AND books.exclude_from_new_books = ? AND books.archived_at IS NULL", false).
		Order("books.created_at, books.id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list new books for device %s: %w", deviceID, err)
	}
	return books, nil
}

// GetBooksWithNewProgressForDevice lists books whose progressUpdatedAt is set and
// differs from the device's stored watermark, or has no watermark at all.
func (r *BookRepository) GetBooksWithNewProgressForDevice(ctx context.Context, deviceID string) ([]models.Book, error) {
	var books []models.Book
	err := r.active(ctx).
		Select("books.*").
		Joins("LEFT JOIN device_progress_watermarks w ON w.book_id = books.id AND w.device_id = ?", deviceID).
		Where("books.progress_updated_at IS NOT NULL").
		Where("w.id IS NULL OR w.progress_updated_at <> books.progress_updated_at").
		Order("books.created_at, books.id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list new progress for device %s: %w", deviceID, err)
	}
	return books, nil
}
