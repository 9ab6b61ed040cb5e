package main

import (
	"fmt"

	"github.com/drallgood/reader-progress-sync/internal/api/booksource"
	"github.com/drallgood/reader-progress-sync/internal/api/hardcover"
	"github.com/drallgood/reader-progress-sync/internal/config"
	"github.com/drallgood/reader-progress-sync/internal/database"
	"github.com/drallgood/reader-progress-sync/internal/ingest"
	"github.com/drallgood/reader-progress-sync/internal/library"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/queue"
	"github.com/drallgood/reader-progress-sync/internal/stats"
	"github.com/drallgood/reader-progress-sync/internal/storage"
	"github.com/drallgood/reader-progress-sync/internal/sync"
)

// app holds the wired services shared by every command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.Database
	storage storage.Storage

	books      *database.BookRepository
	history    *database.ProgressHistoryRepository
	watermarks *database.DeviceProgressRepository
	downloads  *database.DeviceDownloadRepository

	sync    *sync.Service
	library *library.Service
	stats   *stats.Service
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := storage.NewFileStorage(cfg.Storage.Root, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		storage:    store,
		books:      database.NewBookRepository(db, log),
		history:    database.NewProgressHistoryRepository(db, log),
		watermarks: database.NewDeviceProgressRepository(db, log),
		downloads:  database.NewDeviceDownloadRepository(db, log),
	}
	a.sync = sync.NewService(a.books, a.history, a.watermarks, store, log)
	a.library = library.NewService(a.books, a.downloads, store, log, library.WithTrashRetention(cfg.Trash.Retention))
	a.stats = stats.NewService(a.books, a.history, cfg.Stats.DefaultDays, log)
	return a, nil
}

// newQueue wires the download queue to the book source and, when enabled,
// the Hardcover page lookup.
func (a *app) newQueue() *queue.DownloadQueue {
	source := booksource.NewClient(booksource.Config{
		BaseURL:   a.cfg.BookSource.BaseURL,
		Timeout:   a.cfg.BookSource.Timeout,
		RateLimit: a.cfg.BookSource.RateLimit,
		Burst:     a.cfg.BookSource.Burst,
	}, a.log)

	var pages ingest.PageLookup
	if a.cfg.Metadata.Enabled {
		pages = hardcover.NewMetadataClient(hardcover.Config{
			BaseURL:  a.cfg.Metadata.URL,
			Token:    a.cfg.Metadata.Token,
			CacheTTL: a.cfg.Metadata.CacheTTL,
		}, a.log)
	}

	processor := ingest.NewService(source, a.storage, a.books, pages, a.log)
	return queue.New(processor, a.log,
		queue.WithMaxAttempts(a.cfg.Queue.MaxAttempts),
		queue.WithBaseDelay(a.cfg.Queue.BaseDelay),
		queue.WithRetention(a.cfg.Queue.Retention),
	)
}

func (a *app) Close() error {
	return a.db.Close()
}
