// Package ingest downloads a book from the book source and adds it to the library.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/drallgood/reader-progress-sync/internal/api/booksource"
	"github.com/drallgood/reader-progress-sync/internal/database"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
	"github.com/drallgood/reader-progress-sync/internal/progress"
	"github.com/drallgood/reader-progress-sync/internal/queue"
	"github.com/drallgood/reader-progress-sync/internal/storage"
)

// Source fetches book files.
type Source interface {
	Login(ctx context.Context, creds booksource.Credentials) error
	Download(ctx context.Context, bookID, hash string, creds booksource.Credentials) (*booksource.File, error)
}

// PageLookup resolves a page count for a title.
type PageLookup interface {
	LookupPages(ctx context.Context, title, author string) (int, error)
}

// BookCatalog is the part of the catalog ingestion writes to.
type BookCatalog interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.Book, error)
	Create(ctx context.Context, book *models.Book) error
}

// Service implements queue.Processor.
type Service struct {
	source  Source
	storage storage.Storage
	books   BookCatalog
	pages   PageLookup
	log     *logger.Logger
}

// NewService creates the ingestion use case. pages may be nil to skip metadata lookups.
func NewService(source Source, store storage.Storage, books BookCatalog, pages PageLookup, log *logger.Logger) *Service {
	return &Service{
		source:  source,
		storage: store,
		books:   books,
		pages:   pages,
		log:     log.Component("ingest"),
	}
}

var _ queue.Processor = (*Service)(nil)

// Process runs one download-and-ingest attempt. It is safe to repeat: a book
// already in the catalog under the same external id is left alone.
func (s *Service) Process(ctx context.Context, task queue.Task) error {
	existing, err := s.books.GetByExternalID(ctx, task.BookID)
	switch {
	case err == nil:
		s.log.Info("Book already in library, skipping download", map[string]interface{}{
			"event":       "ingest.skipped.exists",
			"external_id": task.BookID,
			"book_id":     existing.ID,
		})
		return nil
	case !errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("failed to check library for %s: %w", task.BookID, err)
	}

	creds := booksource.Credentials{UserID: task.Credentials.UserID, UserKey: task.Credentials.UserKey}
	if err := s.source.Login(ctx, creds); err != nil {
		return err
	}
	file, err := s.source.Download(ctx, task.BookID, task.Hash, creds)
	if err != nil {
		return err
	}

	ext := task.Extension
	if ext == "" {
		ext = file.Extension
	}
	key := progress.BuildBookFileName(task.Title, task.BookID, ext)
	if err := s.storage.Put(ctx, storage.LibraryKey(key), file.Data, storage.ContentTypeFor(ext)); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	author := task.Author
	if author == nil && file.Author != "" {
		author = models.StringPtr(file.Author)
	}

	book := &models.Book{
		StorageKey: key,
		Title:      task.Title,
		Author:     author,
		Extension:  models.StringPtr(ext),
		ExternalID: models.StringPtr(task.BookID),
		Filesize:   task.Filesize,
		Language:   task.Language,
		Year:       task.Year,
		Pages:      s.lookupPages(ctx, task.Title, models.Deref(author)),
	}
	if book.Filesize == nil {
		size := int64(len(file.Data))
		book.Filesize = &size
	}
	if err := s.books.Create(ctx, book); err != nil {
		return fmt.Errorf("failed to add %s to library: %w", key, err)
	}

	s.log.Info("Book added to library", map[string]interface{}{
		"event":       "ingest.book.created",
		"book_id":     book.ID,
		"external_id": task.BookID,
		"storage_key": key,
		"pages":       book.Pages,
	})
	return nil
}

// lookupPages is best effort; a metadata outage must not fail the download.
func (s *Service) lookupPages(ctx context.Context, title, author string) int {
	if s.pages == nil {
		return 0
	}
	pages, err := s.pages.LookupPages(ctx, title, author)
	if err != nil {
		s.log.Warn("Page count lookup failed", map[string]interface{}{
			"title": title,
			"error": err.Error(),
		})
		return 0
	}
	return pages
}
