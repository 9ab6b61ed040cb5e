package database

import (
	"context"
	"fmt"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
)

// ProgressHistoryRepository stores the append-only progress ledger.
type ProgressHistoryRepository struct {
	db     *Database
	logger *logger.Logger
}

// NewProgressHistoryRepository creates a new ledger repository
func NewProgressHistoryRepository(db *Database, log *logger.Logger) *ProgressHistoryRepository {
	return &ProgressHistoryRepository{db: db, logger: log.Component("history_repository")}
}

// AppendSnapshot records the percent a book reached at recordedAt.
func (r *ProgressHistoryRepository) AppendSnapshot(ctx context.Context, bookID string, percent float64, recordedAt time.Time) (*models.ProgressHistoryEntry, error) {
	entry := &models.ProgressHistoryEntry{
		BookID:          bookID,
		ProgressPercent: percent,
		RecordedAt:      recordedAt.UTC(),
	}
	if err := r.db.GetDB().WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to append progress snapshot: %w", err)
	}
	r.logger.Debug("Appended progress snapshot", map[string]interface{}{
		"book_id": bookID,
		"percent": percent,
	})
	return entry, nil
}

// GetByBookID returns a book's ledger, newest first.
func (r *ProgressHistoryRepository) GetByBookID(ctx context.Context, bookID string) ([]models.ProgressHistoryEntry, error) {
	var entries []models.ProgressHistoryEntry
	err := r.db.GetDB().WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("recorded_at DESC, id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load progress history for %s: %w", bookID, err)
	}
	return entries, nil
}

// GetAll returns the entire ledger in (recordedAt, id) order.
func (r *ProgressHistoryRepository) GetAll(ctx context.Context) ([]models.ProgressHistoryEntry, error) {
	var entries []models.ProgressHistoryEntry
	if err := r.db.GetDB().WithContext(ctx).Order("recorded_at, id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load progress history: %w", err)
	}
	return entries, nil
}
