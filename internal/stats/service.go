package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
)

// BookLister loads the catalog.
type BookLister interface {
	GetAll(ctx context.Context) ([]models.Book, error)
}

// HistoryLister loads the whole progress ledger.
type HistoryLister interface {
	GetAll(ctx context.Context) ([]models.ProgressHistoryEntry, error)
}

// Service recomputes reading activity on every call.
type Service struct {
	books       BookLister
	history     HistoryLister
	defaultDays int
	log         *logger.Logger
	now         func() time.Time
}

// NewService creates a new analytics service. defaultDays applies when a
// caller passes 0 and falls back to DefaultDays when out of range.
func NewService(books BookLister, history HistoryLister, defaultDays int, log *logger.Logger) *Service {
	if !ValidDays(defaultDays) {
		defaultDays = DefaultDays
	}
	return &Service{
		books:       books,
		history:     history,
		defaultDays: defaultDays,
		log:         log.Component("stats"),
		now:         time.Now,
	}
}

// GetReadingActivity computes activity for the days-long window ending today (UTC).
func (s *Service) GetReadingActivity(ctx context.Context, days int) (*ReadingActivity, error) {
	if days == 0 {
		days = s.defaultDays
	}
	if !ValidDays(days) {
		return nil, apperr.Validation("days must be between %d and %d", MinDays, MaxDays)
	}

	books, err := s.books.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load books: %w", err)
	}
	entries, err := s.history.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress history: %w", err)
	}

	start := time.Now()
	activity := Compute(books, entries, days, s.now())
	s.log.Debug("Computed reading activity", map[string]interface{}{
		"days":        days,
		"books":       len(books),
		"entries":     len(entries),
		"total_pages": activity.Totals.TotalPages,
		"duration":    time.Since(start).String(),
	})
	return activity, nil
}
