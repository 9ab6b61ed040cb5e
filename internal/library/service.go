// Package library implements catalog maintenance: read/archive state, the
// trash lifecycle and per-device file download markers.
package library

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/database"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
	"github.com/drallgood/reader-progress-sync/internal/progress"
	"github.com/drallgood/reader-progress-sync/internal/storage"
)

// DefaultTrashRetention is how long a trashed book survives before purging.
const DefaultTrashRetention = 30 * 24 * time.Hour

// BookStore is the catalog as seen by library maintenance.
type BookStore interface {
	GetAll(ctx context.Context) ([]models.Book, error)
	GetByID(ctx context.Context, id string) (*models.Book, error)
	GetByIDIncludingTrashed(ctx context.Context, id string) (*models.Book, error)
	UpdateFields(ctx context.Context, id string, values map[string]interface{}) error
	Delete(ctx context.Context, id string) error
	MoveToTrash(ctx context.Context, id string, at, expiresAt time.Time) error
	RestoreFromTrash(ctx context.Context, id string) error
	GetTrashed(ctx context.Context) ([]models.Book, error)
	GetExpiredTrash(ctx context.Context, now time.Time) ([]models.Book, error)
	GetNotDownloadedByDevice(ctx context.Context, deviceID string) ([]models.Book, error)
}

// DownloadStore keeps device download markers.
type DownloadStore interface {
	Create(ctx context.Context, deviceID, bookID string) error
	GetByDevice(ctx context.Context, deviceID string) ([]models.DeviceDownload, error)
	GetByBook(ctx context.Context, bookID string) ([]models.DeviceDownload, error)
	DeleteByDeviceAndBook(ctx context.Context, deviceID, bookID string) error
	DeleteByBook(ctx context.Context, bookID string) (int64, error)
}

// Service implements library maintenance.
type Service struct {
	books     BookStore
	downloads DownloadStore
	storage   storage.Storage
	retention time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithTrashRetention overrides DefaultTrashRetention.
func WithTrashRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new library service
func NewService(books BookStore, downloads DownloadStore, store storage.Storage, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		books:     books,
		downloads: downloads,
		storage:   store,
		retention: DefaultTrashRetention,
		log:       log.Component("library"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func notFoundOr(err error, bookID string) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("book %s not found", bookID)
	}
	return err
}

// StateUpdate carries the flags to change; nil fields are left alone.
type StateUpdate struct {
	IsRead              *bool `json:"isRead,omitempty"`
	ExcludeFromNewBooks *bool `json:"excludeFromNewBooks,omitempty"`
	Archived            *bool `json:"archived,omitempty"`
}

// BookState is the book's state after an update.
type BookState struct {
	BookID              string     `json:"bookId"`
	IsRead              bool       `json:"isRead"`
	ReadAt              *time.Time `json:"readAt"`
	ProgressPercent     *float64   `json:"progressPercent"`
	ExcludeFromNewBooks bool       `json:"excludeFromNewBooks"`
	IsArchived          bool       `json:"isArchived"`
	ArchivedAt          *time.Time `json:"archivedAt"`
}

// UpdateState marks a book read/unread, excluded and archived. Marking an
// unread, partially read book as read remembers its progress so unmarking
// can restore it. An archived book is always reported as excluded.
func (s *Service) UpdateState(ctx context.Context, bookID string, upd StateUpdate) (*BookState, error) {
	if upd.IsRead == nil && upd.ExcludeFromNewBooks == nil && upd.Archived == nil {
		return nil, apperr.Validation("at least one of isRead, excludeFromNewBooks, archived must be provided")
	}
	book, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, notFoundOr(err, bookID)
	}

	now := s.now().UTC()
	readAt := book.ReadAt
	percent := book.ProgressPercent
	beforeRead := book.ProgressBeforeRead
	if upd.IsRead != nil {
		if *upd.IsRead {
			if book.ReadAt == nil && percent != nil && *percent > 0 && *percent < 1 {
				p := *percent
				beforeRead = &p
			}
			if readAt == nil {
				readAt = &now
			}
			one := 1.0
			percent = &one
		} else {
			readAt = nil
			percent = beforeRead
			beforeRead = nil
		}
	}

	exclude := book.ExcludeFromNewBooks
	if upd.ExcludeFromNewBooks != nil {
		exclude = *upd.ExcludeFromNewBooks
	}
	archivedAt := book.ArchivedAt
	if upd.Archived != nil {
		if !*upd.Archived {
			archivedAt = nil
		} else if archivedAt == nil {
			archivedAt = &now
		}
	}

	err = s.books.UpdateFields(ctx, bookID, map[string]interface{}{
		"read_at":                readAt,
		"progress_percent":       percent,
		"progress_before_read":   beforeRead,
		"exclude_from_new_books": exclude,
		"archived_at":            archivedAt,
	})
	if err != nil {
		return nil, notFoundOr(err, bookID)
	}

	s.log.Info("Updated book state", map[string]interface{}{
		"event":    "library.state.updated",
		"book_id":  bookID,
		"read":     readAt != nil,
		"archived": archivedAt != nil,
		"exclude":  exclude,
	})
	return &BookState{
		BookID:              bookID,
		IsRead:              readAt != nil,
		ReadAt:              readAt,
		ProgressPercent:     percent,
		ExcludeFromNewBooks: exclude || archivedAt != nil,
		IsArchived:          archivedAt != nil,
		ArchivedAt:          archivedAt,
	}, nil
}

// TrashResult reports when a trashed book will be purged.
type TrashResult struct {
	BookID         string    `json:"bookId"`
	TrashExpiresAt time.Time `json:"trashExpiresAt"`
}

// MoveToTrash hides the book from the catalog until the retention ends.
func (s *Service) MoveToTrash(ctx context.Context, bookID string) (*TrashResult, error) {
	now := s.now().UTC()
	expires := now.Add(s.retention)
	if err := s.books.MoveToTrash(ctx, bookID, now, expires); err != nil {
		return nil, notFoundOr(err, bookID)
	}
	s.log.Info("Moved book to trash", map[string]interface{}{
		"event":      "library.trash.moved",
		"book_id":    bookID,
		"expires_at": expires,
	})
	return &TrashResult{BookID: bookID, TrashExpiresAt: expires}, nil
}

func (s *Service) trashed(ctx context.Context, bookID string) (*models.Book, error) {
	book, err := s.books.GetByIDIncludingTrashed(ctx, bookID)
	if err != nil {
		return nil, notFoundOr(err, bookID)
	}
	if !book.IsTrashed() {
		return nil, apperr.Validation("book %s is not in trash", bookID)
	}
	return book, nil
}

// Restore takes a book out of the trash.
func (s *Service) Restore(ctx context.Context, bookID string) error {
	if _, err := s.trashed(ctx, bookID); err != nil {
		return err
	}
	if err := s.books.RestoreFromTrash(ctx, bookID); err != nil {
		return notFoundOr(err, bookID)
	}
	s.log.Info("Restored book from trash", map[string]interface{}{
		"event":   "library.trash.restored",
		"book_id": bookID,
	})
	return nil
}

// DeleteTrashed permanently removes a trashed book and its files.
func (s *Service) DeleteTrashed(ctx context.Context, bookID string) error {
	book, err := s.trashed(ctx, bookID)
	if err != nil {
		return err
	}
	return s.purge(ctx, book)
}

// purge deletes the stored files best effort, then the catalog row. Every
// object in the book's ".sdr/" sidecar directory goes with it.
func (s *Service) purge(ctx context.Context, book *models.Book) error {
	keys := []string{storage.LibraryKey(book.StorageKey)}
	if book.ProgressStorageKey != nil && *book.ProgressStorageKey != "" {
		keys = append(keys, storage.LibraryKey(*book.ProgressStorageKey))
	}
	if desc, err := progress.BuildDescriptor(book.StorageKey); err == nil {
		objects, err := s.storage.List(ctx, storage.LibraryKey(desc.BaseName+".sdr/"))
		if err != nil {
			s.log.Warn("Failed to list sidecar directory", map[string]interface{}{
				"book_id": book.ID,
				"error":   err.Error(),
			})
		}
		for _, obj := range objects {
			keys = append(keys, obj.Key)
		}
	}
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := storage.DeleteIfExists(ctx, s.storage, key); err != nil {
			s.log.Warn("Failed to delete stored object", map[string]interface{}{
				"book_id": book.ID,
				"key":     key,
				"error":   err.Error(),
			})
		}
	}
	if err := s.books.Delete(ctx, book.ID); err != nil {
		return notFoundOr(err, book.ID)
	}
	s.log.Info("Deleted book permanently", map[string]interface{}{
		"event":   "library.trash.deleted",
		"book_id": book.ID,
	})
	return nil
}

// PurgeExpiredTrash deletes every trashed book whose retention has ended and
// returns their ids. It keeps going past individual failures.
func (s *Service) PurgeExpiredTrash(ctx context.Context) ([]string, error) {
	expired, err := s.books.GetExpiredTrash(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trash: %w", err)
	}
	purged := make([]string, 0, len(expired))
	var errs []error
	for i := range expired {
		if err := s.purge(ctx, &expired[i]); err != nil {
			errs = append(errs, fmt.Errorf("book %s: %w", expired[i].ID, err))
			continue
		}
		purged = append(purged, expired[i].ID)
	}
	if len(purged) > 0 {
		s.log.Info("Purged expired trash", map[string]interface{}{
			"event":  "library.trash.purged",
			"count":  len(purged),
			"failed": len(errs),
		})
	}
	return purged, errors.Join(errs...)
}

// Entry is a catalog book with the progress read from its sidecar.
type Entry struct {
	models.Book
	// ProgressPercent is in [0,100], nil when no sidecar progress is readable.
	ProgressPercent *float64 `json:"progressPercent"`
}

// ListTrash lists trashed books, most recently trashed first.
func (s *Service) ListTrash(ctx context.Context) ([]Entry, error) {
	books, err := s.books.GetTrashed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list trash: %w", err)
	}
	out := make([]Entry, 0, len(books))
	for _, b := range books {
		out = append(out, Entry{Book: b, ProgressPercent: s.sidecarPercent(ctx, &b)})
	}
	return out, nil
}

// List returns every book outside the trash in catalog order.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	books, err := s.books.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list library: %w", err)
	}
	out := make([]Entry, 0, len(books))
	for _, b := range books {
		out = append(out, Entry{Book: b, ProgressPercent: s.sidecarPercent(ctx, &b)})
	}
	return out, nil
}

// BookDetail is a book with its sidecar progress and the devices holding its file.
type BookDetail struct {
	Entry
	DownloadedDevices []string `json:"downloadedDevices"`
}

// GetDetail returns a single book with its download devices sorted by id.
func (s *Service) GetDetail(ctx context.Context, bookID string) (*BookDetail, error) {
	book, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, notFoundOr(err, bookID)
	}
	rows, err := s.downloads.GetByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	devices := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if !seen[row.DeviceID] {
			seen[row.DeviceID] = true
			devices = append(devices, row.DeviceID)
		}
	}
	sort.Strings(devices)

	return &BookDetail{
		Entry:             Entry{Book: *book, ProgressPercent: s.sidecarPercent(ctx, book)},
		DownloadedDevices: devices,
	}, nil
}

// File is a stored book file ready to be served.
type File struct {
	Data        []byte
	ContentType string
	FileName    string
}

// GetFile loads the stored file of a book outside the trash.
func (s *Service) GetFile(ctx context.Context, bookID string) (*File, error) {
	book, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, notFoundOr(err, bookID)
	}
	data, err := s.storage.Get(ctx, storage.LibraryKey(book.StorageKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("file for book %s not found", bookID)
		}
		return nil, apperr.Upstream(0, "failed to read book file", err)
	}
	s.log.Debug("Serving book file", map[string]interface{}{
		"event":   "library.file.served",
		"book_id": bookID,
		"size":    len(data),
	})
	return &File{
		Data:        data,
		ContentType: storage.ContentTypeForKey(book.StorageKey),
		FileName:    book.StorageKey,
	}, nil
}

func (s *Service) sidecarPercent(ctx context.Context, book *models.Book) *float64 {
	key := models.Deref(book.ProgressStorageKey)
	if key == "" {
		return nil
	}
	data, err := s.storage.Get(ctx, storage.LibraryKey(key))
	if err != nil {
		return nil
	}
	p, ok := progress.ExtractPercentFinished(nil, data)
	if !ok {
		return nil
	}
	pct := math.Max(0, math.Min(100, p*100))
	return &pct
}

func requireDevice(deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", apperr.Validation("device id is required")
	}
	return deviceID, nil
}

// GetNewBooksForDevice lists books the device has not downloaded yet.
func (s *Service) GetNewBooksForDevice(ctx context.Context, deviceID string) ([]models.Book, error) {
	deviceID, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	books, err := s.books.GetNotDownloadedByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list new books: %w", err)
	}
	if books == nil {
		books = []models.Book{}
	}
	return books, nil
}

// ConfirmDownload records that the device now has the book file.
func (s *Service) ConfirmDownload(ctx context.Context, deviceID, bookID string) error {
	deviceID, err := requireDevice(deviceID)
	if err != nil {
		return err
	}
	if _, err := s.books.GetByID(ctx, bookID); err != nil {
		return notFoundOr(err, bookID)
	}
	if err := s.downloads.Create(ctx, deviceID, bookID); err != nil {
		return err
	}
	s.log.Debug("Device confirmed download", map[string]interface{}{
		"event":     "library.download.confirmed",
		"device_id": deviceID,
		"book_id":   bookID,
	})
	return nil
}

// GetDeviceDownloads lists the download markers of a device, oldest first.
func (s *Service) GetDeviceDownloads(ctx context.Context, deviceID string) ([]models.DeviceDownload, error) {
	deviceID, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	rows, err := s.downloads.GetByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.DeviceDownload{}
	}
	return rows, nil
}

// ResetDownloadStatus forgets every device download of a book so all devices
// are offered it again.
func (s *Service) ResetDownloadStatus(ctx context.Context, bookID string) error {
	if _, err := s.books.GetByID(ctx, bookID); err != nil {
		return notFoundOr(err, bookID)
	}
	removed, err := s.downloads.DeleteByBook(ctx, bookID)
	if err != nil {
		return err
	}
	s.log.Info("Reset download status", map[string]interface{}{
		"event":   "library.download.reset",
		"book_id": bookID,
		"removed": removed,
	})
	return nil
}

// RemoveDeviceDownload forgets a download so the book is offered again.
func (s *Service) RemoveDeviceDownload(ctx context.Context, deviceID, bookID string) error {
	deviceID, err := requireDevice(deviceID)
	if err != nil {
		return err
	}
	if err := s.downloads.DeleteByDeviceAndBook(ctx, deviceID, bookID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperr.NotFound("book %s is not marked as downloaded on %s", bookID, deviceID)
		}
		return err
	}
	return nil
}
