package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createBook(t *testing.T, repo *BookRepository, key string) *models.Book {
	t.Helper()
	book := &models.Book{StorageKey: key, Title: key, Pages: 100}
	require.NoError(t, repo.Create(context.Background(), book))
	require.NotEmpty(t, book.ID)
	return book
}

func TestDatabaseHealth(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Health())
	assert.Equal(t, DatabaseTypeSQLite, db.Config().Type)
}

func TestBookRepository_Lookups(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewBookRepository(db, logger.Nop())

	book := createBook(t, repo, "Dune_42.epub")

	got, err := repo.GetByStorageKey(ctx, "Dune_42.epub")
	require.NoError(t, err)
	assert.Equal(t, book.ID, got.ID)

	_, err = repo.GetByStorageKey(ctx, "missing.epub")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	ext := "ext-1"
	require.NoError(t, repo.UpdateFields(ctx, book.ID, map[string]interface{}{"external_id": ext}))
	got, err = repo.GetByExternalID(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, book.ID, got.ID)
}

func TestBookRepository_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	repo := NewBookRepository(newTestDB(t), logger.Nop())
	book := createBook(t, repo, "a.epub")

	pct := 0.42
	require.NoError(t, repo.UpdateProgress(ctx, book.ID, ProgressUpdate{
		ProgressStorageKey: "a.sdr/metadata.epub.lua",
		ProgressUpdatedAt:  "2025-01-02",
		ProgressPercent:    &pct,
	}))

	got, err := repo.GetByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02", models.Deref(got.ProgressUpdatedAt))
	assert.Equal(t, "a.sdr/metadata.epub.lua", models.Deref(got.ProgressStorageKey))
	assert.InDelta(t, 0.42, got.Percent(), 1e-9)

	// percent untouched when nil
	require.NoError(t, repo.UpdateProgress(ctx, book.ID, ProgressUpdate{
		ProgressStorageKey: "a.sdr/metadata.epub.lua",
		ProgressUpdatedAt:  "2025-01-03",
	}))
	got, err = repo.GetByID(ctx, book.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, got.Percent(), 1e-9)

	assert.ErrorIs(t, repo.UpdateProgress(ctx, "missing", ProgressUpdate{}), ErrNotFound)
}

func TestBookRepository_Trash(t *testing.T) {
	ctx := context.Background()
	repo := NewBookRepository(newTestDB(t), logger.Nop())
	book := createBook(t, repo, "t.epub")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.MoveToTrash(ctx, book.ID, now, now.Add(30*24*time.Hour)))

	_, err := repo.GetByID(ctx, book.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	trashed, err := repo.GetByIDIncludingTrashed(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, trashed.IsTrashed())

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	list, err := repo.GetTrashed(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	expired, err := repo.GetExpiredTrash(ctx, now.Add(29*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = repo.GetExpiredTrash(ctx, now.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	require.NoError(t, repo.RestoreFromTrash(ctx, book.ID))
	_, err = repo.GetByID(ctx, book.ID)
	assert.NoError(t, err)
}

func TestBookRepository_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	books := NewBookRepository(db, logger.Nop())
	history := NewProgressHistoryRepository(db, logger.Nop())
	marks := NewDeviceProgressRepository(db, logger.Nop())

	book := createBook(t, books, "d.epub")
	_, err := history.AppendSnapshot(ctx, book.ID, 0.5, time.Now())
	require.NoError(t, err)
	require.NoError(t, marks.UpsertByDeviceAndBook(ctx, "kobo", book.ID, "2025-01-01"))

	require.NoError(t, books.Delete(ctx, book.ID))

	entries, err := history.GetByBookID(ctx, book.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	rows, err := marks.GetByDevice(ctx, "kobo")
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.ErrorIs(t, books.Delete(ctx, book.ID), ErrNotFound)
}

func TestProgressHistoryRepository_Ordering(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressHistoryRepository(newTestDB(t), logger.Nop())
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	_, err := repo.AppendSnapshot(ctx, "b1", 0.1, base)
	require.NoError(t, err)
	_, err = repo.AppendSnapshot(ctx, "b1", 0.3, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = repo.AppendSnapshot(ctx, "b2", 0.2, base.Add(30*time.Minute))
	require.NoError(t, err)

	entries, err := repo.GetByBookID(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.InDelta(t, 0.3, entries[0].ProgressPercent, 1e-9)
	assert.InDelta(t, 0.1, entries[1].ProgressPercent, 1e-9)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b1", all[0].BookID)
	assert.Equal(t, "b2", all[1].BookID)
	assert.Equal(t, "b1", all[2].BookID)
}

func TestDeviceProgress_NewProgressForDevice(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	books := NewBookRepository(db, logger.Nop())
	marks := NewDeviceProgressRepository(db, logger.Nop())

	withProgress := createBook(t, books, "p.epub")
	createBook(t, books, "none.epub")
	require.NoError(t, books.UpdateProgress(ctx, withProgress.ID, ProgressUpdate{
		ProgressStorageKey: "p.sdr/metadata.epub.lua",
		ProgressUpdatedAt:  "2025-01-02",
	}))

	list, err := books.GetBooksWithNewProgressForDevice(ctx, "kobo")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, withProgress.ID, list[0].ID)

	require.NoError(t, marks.UpsertByDeviceAndBook(ctx, "kobo", withProgress.ID, "2025-01-02"))
	list, err = books.GetBooksWithNewProgressForDevice(ctx, "kobo")
	require.NoError(t, err)
	assert.Empty(t, list)

	// a watermark that differs in either direction counts as new
	require.NoError(t, marks.UpsertByDeviceAndBook(ctx, "kobo", withProgress.ID, "2025-02-01"))
	list, err = books.GetBooksWithNewProgressForDevice(ctx, "kobo")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	rows, err := marks.GetByDevice(ctx, "kobo")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-02-01", rows[0].ProgressUpdatedAt)
}

func TestDeviceDownloads(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	books := NewBookRepository(db, logger.Nop())
	downloads := NewDeviceDownloadRepository(db, logger.Nop())

	a := createBook(t, books, "a.epub")
	b := createBook(t, books, "b.epub")
	c := createBook(t, books, "c.epub")
	require.NoError(t, books.UpdateFields(ctx, b.ID, map[string]interface{}{"exclude_from_new_books": true}))
	require.NoError(t, books.UpdateFields(ctx, c.ID, map[string]interface{}{"archived_at": time.Now().UTC()}))

	list, err := books.GetNotDownloadedByDevice(ctx, "kindle")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	require.NoError(t, downloads.Create(ctx, "kindle", a.ID))
	require.NoError(t, downloads.Create(ctx, "kindle", a.ID))

	list, err = books.GetNotDownloadedByDevice(ctx, "kindle")
	require.NoError(t, err)
	assert.Empty(t, list)

	rows, err := downloads.GetByDevice(ctx, "kindle")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, downloads.DeleteByDeviceAndBook(ctx, "kindle", a.ID))
	assert.ErrorIs(t, downloads.DeleteByDeviceAndBook(ctx, "kindle", a.ID), ErrNotFound)
}

func TestDeviceDownloadRepository_ByBook(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	books := NewBookRepository(db, logger.Nop())
	downloads := NewDeviceDownloadRepository(db, logger.Nop())

	a := createBook(t, books, "a.epub")
	b := createBook(t, books, "b.epub")
	require.NoError(t, downloads.Create(ctx, "kobo", a.ID))
	require.NoError(t, downloads.Create(ctx, "kindle", a.ID))
	require.NoError(t, downloads.Create(ctx, "kindle", b.ID))

	rows, err := downloads.GetByBook(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "kindle", rows[0].DeviceID)
	assert.Equal(t, "kobo", rows[1].DeviceID)

	removed, err := downloads.DeleteByBook(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	rows, err = downloads.GetByBook(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// other books keep their markers
	rows, err = downloads.GetByDevice(ctx, "kindle")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, b.ID, rows[0].BookID)

	removed, err = downloads.DeleteByBook(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDatabaseConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DatabaseConfig
		wantErr bool
		dsn     string
	}{
		{"sqlite", DatabaseConfig{Type: DatabaseTypeSQLite, Path: "/tmp/x.db"}, false, "/tmp/x.db"},
		{"sqlite without path", DatabaseConfig{Type: DatabaseTypeSQLite}, true, ""},
		{"postgres default port", DatabaseConfig{Type: DatabaseTypePostgreSQL, Host: "db", Database: "reader", Username: "u"}, false,
			"host=db port=5432 dbname=reader sslmode=prefer user=u"},
		{"mysql", DatabaseConfig{Type: DatabaseTypeMySQL, Host: "db", Database: "reader", Username: "u", Password: "p"}, false,
			"u:p@tcp(db:3306)/reader?charset=utf8mb4&parseTime=True&loc=UTC"},
		{"mysql without host", DatabaseConfig{Type: DatabaseTypeMySQL, Database: "reader"}, true, ""},
		{"unknown", DatabaseConfig{Type: "oracle"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dsn, tt.cfg.GetDSN())
		})
	}
}

func TestParseDatabaseType(t *testing.T) {
	assert.Equal(t, DatabaseTypePostgreSQL, ParseDatabaseType("Postgres"))
	assert.Equal(t, DatabaseTypeMariaDB, ParseDatabaseType("mariadb"))
	assert.Equal(t, DatabaseTypeMySQL, ParseDatabaseType("mysql"))
	assert.Equal(t, DatabaseTypeSQLite, ParseDatabaseType(""))
	assert.Equal(t, DatabaseTypeSQLite, ParseDatabaseType("unknown"))
}

func TestConnectWithFallback_InvalidConfigUsesSQLite(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	db, used, err := ConnectWithFallback(&DatabaseConfig{Type: DatabaseTypePostgreSQL}, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, DatabaseTypeSQLite, used.Type)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Close())
}
