// Package sync keeps reading progress consistent across devices: it accepts
// sidecar uploads under a last-writer-wins-by-day policy, tracks what each
// device has already pulled, and appends every accepted upload to the ledger.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/database"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
	"github.com/drallgood/reader-progress-sync/internal/progress"
	"github.com/drallgood/reader-progress-sync/internal/storage"
)

// BookStore is the slice of the catalog the sync engine reads and writes.
// Lookups return database.ErrNotFound for unknown books.
type BookStore interface {
	GetByID(ctx context.Context, id string) (*models.Book, error)
	GetByStorageKey(ctx context.Context, key string) (*models.Book, error)
	UpdateProgress(ctx context.Context, id string, upd database.ProgressUpdate) error
	GetBooksWithNewProgressForDevice(ctx context.Context, deviceID string) ([]models.Book, error)
}

// HistoryStore is the append-only progress ledger.
type HistoryStore interface {
	AppendSnapshot(ctx context.Context, bookID string, percent float64, recordedAt time.Time) (*models.ProgressHistoryEntry, error)
	GetByBookID(ctx context.Context, bookID string) ([]models.ProgressHistoryEntry, error)
}

// WatermarkStore persists per-device acknowledgement watermarks.
type WatermarkStore interface {
	UpsertByDeviceAndBook(ctx context.Context, deviceID, bookID, progressUpdatedAt string) error
	GetByDevice(ctx context.Context, deviceID string) ([]models.DeviceProgressWatermark, error)
}

// Service implements progress upload, download and device acknowledgement.
type Service struct {
	books      BookStore
	history    HistoryStore
	watermarks WatermarkStore
	storage    storage.Storage
	extractor  progress.Extractor
	log        *logger.Logger
	now        func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithExtractor replaces the sidecar field extractor.
func WithExtractor(ex progress.Extractor) Option {
	return func(s *Service) { s.extractor = ex }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new progress sync service
func NewService(books BookStore, history HistoryStore, watermarks WatermarkStore, store storage.Storage, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		books:      books,
		history:    history,
		watermarks: watermarks,
		storage:    store,
		extractor:  progress.DefaultExtractor,
		log:        log.Component("progress_sync"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProgressFile is a downloaded sidecar.
type ProgressFile struct {
	Data             []byte
	MetadataFileName string
	BookID           string
}

// PutProgressInput is one upload from a device.
type PutProgressInput struct {
	LookupTitle string
	Data        []byte
	DeviceID    string
}

// PutProgressResult reports where the sidecar was stored.
type PutProgressResult struct {
	ProgressKey      string `json:"progressKey"`
	IncomingModified string `json:"incomingModified,omitempty"`
}

// HistoryPoint is a ledger entry as shown to API callers.
type HistoryPoint struct {
	ProgressPercent float64   `json:"progressPercent"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// resolveBook tries every candidate key for lookupTitle and returns the first match.
func (s *Service) resolveBook(ctx context.Context, lookupTitle string) (*models.Book, error) {
	candidates := progress.LookupTitleCandidates(lookupTitle)
	for _, key := range candidates {
		book, err := s.books.GetByStorageKey(ctx, key)
		if err == nil {
			return book, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve book %q: %w", key, err)
		}
	}
	return nil, apperr.NotFound("book %q not found", lookupTitle)
}

func (s *Service) loadBook(ctx context.Context, bookID string) (*models.Book, error) {
	book, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NotFound("book %s not found", bookID)
		}
		return nil, fmt.Errorf("failed to load book %s: %w", bookID, err)
	}
	return book, nil
}

// GetProgress returns the stored sidecar for the book matching lookupTitle.
func (s *Service) GetProgress(ctx context.Context, lookupTitle string) (*ProgressFile, error) {
	book, err := s.resolveBook(ctx, lookupTitle)
	if err != nil {
		return nil, err
	}
	desc, err := progress.BuildDescriptor(book.StorageKey)
	if err != nil {
		return nil, err
	}

	data, err := s.storage.Get(ctx, storage.LibraryKey(desc.ProgressKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("progress file for %q not found", book.StorageKey)
		}
		return nil, apperr.Upstream(0, "failed to read progress file", err)
	}

	return &ProgressFile{
		Data:             data,
		MetadataFileName: desc.MetadataFileName,
		BookID:           book.ID,
	}, nil
}

// PutProgress stores an uploaded sidecar unless it is older than the stored
// one. Rejected uploads leave every store untouched.
func (s *Service) PutProgress(ctx context.Context, in PutProgressInput) (*PutProgressResult, error) {
	book, err := s.resolveBook(ctx, in.LookupTitle)
	if err != nil {
		s.log.Warn("Progress upload for unknown book", map[string]interface{}{
			"event":        "progress.book.not_found",
			"lookup_title": in.LookupTitle,
		})
		return nil, err
	}

	desc, err := progress.BuildDescriptor(book.StorageKey)
	if err != nil {
		return nil, err
	}
	key := storage.LibraryKey(desc.ProgressKey)

	incoming, _ := progress.ExtractModifiedDate(s.extractor, in.Data)

	existing := ""
	current, err := s.storage.Get(ctx, key)
	switch {
	case err == nil:
		existing, _ = progress.ExtractModifiedDate(s.extractor, current)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, apperr.Upstream(0, "failed to read stored progress file", err)
	}

	if progress.IsIncomingOlder(existing, incoming) {
		s.log.Info("Rejected stale progress upload", map[string]interface{}{
			"event":     "progress.rejected.older",
			"book_id":   book.ID,
			"existing":  existing,
			"incoming":  incoming,
			"device_id": in.DeviceID,
		})
		return nil, apperr.Conflict("incoming progress (%s) is older than stored progress (%s)", incoming, existing)
	}

	if err := s.storage.Put(ctx, key, in.Data, progress.ContentType); err != nil {
		return nil, apperr.Upstream(0, "failed to store progress file", err)
	}

	now := s.now().UTC()
	updatedAt := incoming
	if updatedAt == "" {
		updatedAt = now.Format(time.DateOnly)
	}

	upd := database.ProgressUpdate{
		ProgressStorageKey: desc.ProgressKey,
		ProgressUpdatedAt:  updatedAt,
	}
	percent := book.Percent()
	if p, ok := progress.ExtractPercentFinished(s.extractor, in.Data); ok {
		percent = progress.ClampPercent(p)
		upd.ProgressPercent = &percent
	}
	if err := s.books.UpdateProgress(ctx, book.ID, upd); err != nil {
		return nil, fmt.Errorf("failed to update book progress: %w", err)
	}

	if _, err := s.history.AppendSnapshot(ctx, book.ID, percent, now); err != nil {
		return nil, fmt.Errorf("failed to append progress history: %w", err)
	}

	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID != "" {
		if err := s.watermarks.UpsertByDeviceAndBook(ctx, deviceID, book.ID, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to update device watermark: %w", err)
		}
	}

	s.log.Info("Progress uploaded", map[string]interface{}{
		"event":               "progress.uploaded",
		"book_id":             book.ID,
		"progress_key":        desc.ProgressKey,
		"progress_updated_at": updatedAt,
		"percent":             percent,
		"device_id":           deviceID,
	})

	return &PutProgressResult{ProgressKey: desc.ProgressKey, IncomingModified: incoming}, nil
}

// ConfirmProgressDownload records that deviceID pulled the book's current progress.
func (s *Service) ConfirmProgressDownload(ctx context.Context, deviceID, bookID string) (*models.DeviceProgressWatermark, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, apperr.Validation("device id is required")
	}
	book, err := s.loadBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.ProgressUpdatedAt == nil || *book.ProgressUpdatedAt == "" {
		return nil, apperr.Conflict("book %s has no progress update to confirm", bookID)
	}

	if err := s.watermarks.UpsertByDeviceAndBook(ctx, deviceID, book.ID, *book.ProgressUpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to confirm progress download: %w", err)
	}
	s.log.Debug("Device confirmed progress", map[string]interface{}{
		"event":               "progress.device.confirmed",
		"book_id":             book.ID,
		"device_id":           deviceID,
		"progress_updated_at": *book.ProgressUpdatedAt,
	})
	return &models.DeviceProgressWatermark{
		DeviceID:          deviceID,
		BookID:            book.ID,
		ProgressUpdatedAt: *book.ProgressUpdatedAt,
		UpdatedAt:         s.now().UTC(),
	}, nil
}

// ListNewProgressForDevice returns books with progress the device has not pulled yet.
func (s *Service) ListNewProgressForDevice(ctx context.Context, deviceID string) ([]models.Book, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, apperr.Validation("device id is required")
	}
	books, err := s.books.GetBooksWithNewProgressForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list new progress: %w", err)
	}
	if books == nil {
		books = []models.Book{}
	}
	return books, nil
}

// GetDeviceProgress returns the watermarks a device has acknowledged.
func (s *Service) GetDeviceProgress(ctx context.Context, deviceID string) ([]models.DeviceProgressWatermark, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, apperr.Validation("device id is required")
	}
	marks, err := s.watermarks.GetByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device watermarks: %w", err)
	}
	if marks == nil {
		marks = []models.DeviceProgressWatermark{}
	}
	return marks, nil
}

// GetBookProgressHistory returns the book's ledger, newest first, as percentages in [0,100].
func (s *Service) GetBookProgressHistory(ctx context.Context, bookID string) ([]HistoryPoint, error) {
	if _, err := s.loadBook(ctx, bookID); err != nil {
		return nil, err
	}
	entries, err := s.history.GetByBookID(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress history: %w", err)
	}

	points := make([]HistoryPoint, 0, len(entries))
	for _, e := range entries {
		pct := math.Max(0, math.Min(100, e.ProgressPercent*100))
		points = append(points, HistoryPoint{ProgressPercent: pct, RecordedAt: e.RecordedAt})
	}
	return points, nil
}
