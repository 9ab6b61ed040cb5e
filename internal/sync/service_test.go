package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/database"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
	"github.com/drallgood/reader-progress-sync/internal/progress"
	"github.com/drallgood/reader-progress-sync/internal/storage"
)

func sidecar(modified string, percent string) []byte {
	return []byte(`return {
    ["percent_finished"] = ` + percent + `,
    ["summary"] = {
        ["modified"] = "` + modified + `",
    },
}`)
}

// MockBookStore is a mock implementation of BookStore
type MockBookStore struct {
	mock.Mock
}

func (m *MockBookStore) GetByID(ctx context.Context, id string) (*models.Book, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Book), args.Error(1)
}

func (m *MockBookStore) GetByStorageKey(ctx context.Context, key string) (*models.Book, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Book), args.Error(1)
}

func (m *MockBookStore) UpdateProgress(ctx context.Context, id string, upd database.ProgressUpdate) error {
	return m.Called(ctx, id, upd).Error(0)
}

func (m *MockBookStore) GetBooksWithNewProgressForDevice(ctx context.Context, deviceID string) ([]models.Book, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Book), args.Error(1)
}

// MockHistoryStore is a mock implementation of HistoryStore
type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) AppendSnapshot(ctx context.Context, bookID string, percent float64, recordedAt time.Time) (*models.ProgressHistoryEntry, error) {
	args := m.Called(ctx, bookID, percent, recordedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProgressHistoryEntry), args.Error(1)
}

func (m *MockHistoryStore) GetByBookID(ctx context.Context, bookID string) ([]models.ProgressHistoryEntry, error) {
	args := m.Called(ctx, bookID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ProgressHistoryEntry), args.Error(1)
}

// MockWatermarkStore is a mock implementation of WatermarkStore
type MockWatermarkStore struct {
	mock.Mock
}

func (m *MockWatermarkStore) UpsertByDeviceAndBook(ctx context.Context, deviceID, bookID, progressUpdatedAt string) error {
	return m.Called(ctx, deviceID, bookID, progressUpdatedAt).Error(0)
}

func (m *MockWatermarkStore) GetByDevice(ctx context.Context, deviceID string) ([]models.DeviceProgressWatermark, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DeviceProgressWatermark), args.Error(1)
}

var fixedNow = time.Date(2025, 3, 20, 9, 30, 0, 0, time.UTC)

func newMockService(t *testing.T) (*Service, *MockBookStore, *MockHistoryStore, *MockWatermarkStore, *storage.MemoryStorage) {
	t.Helper()
	books := &MockBookStore{}
	history := &MockHistoryStore{}
	marks := &MockWatermarkStore{}
	store := storage.NewMemoryStorage()
	svc := NewService(books, history, marks, store, logger.Nop(), WithClock(func() time.Time { return fixedNow }))
	return svc, books, history, marks, store
}

func TestPutProgress_AcceptsAndRecords(t *testing.T) {
	ctx := context.Background()
	svc, books, history, marks, store := newMockService(t)

	book := &models.Book{ID: "b1", StorageKey: "The Road_42.epub", Pages: 300}
	books.On("GetByStorageKey", ctx, "The Road_42.epub").Return(book, nil)
	pct := 0.5
	books.On("UpdateProgress", ctx, "b1", database.ProgressUpdate{
		ProgressStorageKey: "The Road_42.sdr/metadata.epub.lua",
		ProgressUpdatedAt:  "2025-03-19",
		ProgressPercent:    &pct,
	}).Return(nil)
	history.On("AppendSnapshot", ctx, "b1", 0.5, fixedNow).Return(&models.ProgressHistoryEntry{ID: 1}, nil)
	marks.On("UpsertByDeviceAndBook", ctx, "kobo", "b1", "2025-03-19").Return(nil)

	res, err := svc.PutProgress(ctx, PutProgressInput{
		LookupTitle: "The_Road_42.epub",
		Data:        sidecar("2025-03-19", "0.5"),
		DeviceID:    " kobo ",
	})
	require.NoError(t, err)
	assert.Equal(t, "The Road_42.sdr/metadata.epub.lua", res.ProgressKey)
	assert.Equal(t, "2025-03-19", res.IncomingModified)

	stored, err := store.Get(ctx, "library/The Road_42.sdr/metadata.epub.lua")
	require.NoError(t, err)
	assert.Equal(t, sidecar("2025-03-19", "0.5"), stored)
	ct, _ := store.ContentType("library/The Road_42.sdr/metadata.epub.lua")
	assert.Equal(t, "application/x-lua", ct)

	books.AssertExpectations(t)
	history.AssertExpectations(t)
	marks.AssertExpectations(t)
}

func TestPutProgress_RejectsOlderWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	svc, books, history, marks, store := newMockService(t)

	book := &models.Book{ID: "b1", StorageKey: "Dune.epub"}
	books.On("GetByStorageKey", ctx, "Dune.epub").Return(book, nil)
	newer := sidecar("2025-03-19", "0.6")
	require.NoError(t, store.Put(ctx, "library/Dune.sdr/metadata.epub.lua", newer, "application/x-lua"))

	_, err := svc.PutProgress(ctx, PutProgressInput{
		LookupTitle: "Dune.epub",
		Data:        sidecar("2025-03-18", "0.9"),
		DeviceID:    "kobo",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := store.Get(ctx, "library/Dune.sdr/metadata.epub.lua")
	require.NoError(t, err)
	assert.Equal(t, newer, stored)

	books.AssertNotCalled(t, "UpdateProgress", mock.Anything, mock.Anything, mock.Anything)
	history.AssertNotCalled(t, "AppendSnapshot", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	marks.AssertNotCalled(t, "UpsertByDeviceAndBook", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPutProgress_WithoutModifiedUsesToday(t *testing.T) {
	ctx := context.Background()
	svc, books, history, _, store := newMockService(t)

	existingPct := 0.3
	book := &models.Book{ID: "b1", StorageKey: "Dune.epub", ProgressPercent: &existingPct}
	books.On("GetByStorageKey", ctx, "Dune.epub").Return(book, nil)
	require.NoError(t, store.Put(ctx, "library/Dune.sdr/metadata.epub.lua", sidecar("2030-01-01", "0.9"), "application/x-lua"))

	books.On("UpdateProgress", ctx, "b1", database.ProgressUpdate{
		ProgressStorageKey: "Dune.sdr/metadata.epub.lua",
		ProgressUpdatedAt:  "2025-03-20",
	}).Return(nil)
	// no percent in the payload: the ledger gets the book's current percent
	history.On("AppendSnapshot", ctx, "b1", 0.3, fixedNow).Return(&models.ProgressHistoryEntry{ID: 2}, nil)

	res, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune.epub", Data: []byte("return {}")})
	require.NoError(t, err)
	assert.Empty(t, res.IncomingModified)

	books.AssertExpectations(t)
	history.AssertExpectations(t)
}

func TestPutProgress_ClampsPercent(t *testing.T) {
	ctx := context.Background()
	svc, books, history, _, _ := newMockService(t)

	books.On("GetByStorageKey", ctx, "Dune.epub").Return(&models.Book{ID: "b1", StorageKey: "Dune.epub"}, nil)
	one := 1.0
	books.On("UpdateProgress", ctx, "b1", database.ProgressUpdate{
		ProgressStorageKey: "Dune.sdr/metadata.epub.lua",
		ProgressUpdatedAt:  "2025-03-19",
		ProgressPercent:    &one,
	}).Return(nil)
	history.On("AppendSnapshot", ctx, "b1", 1.0, fixedNow).Return(&models.ProgressHistoryEntry{ID: 3}, nil)

	_, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune.epub", Data: sidecar("2025-03-19", "1.7")})
	require.NoError(t, err)
	books.AssertExpectations(t)
}

func TestPutProgress_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown book", func(t *testing.T) {
		svc, books, _, _, _ := newMockService(t)
		books.On("GetByStorageKey", ctx, "Missing.epub").Return(nil, database.ErrNotFound)

		_, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Missing.epub", Data: sidecar("2025-01-01", "0.1")})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("no candidate matches", func(t *testing.T) {
		svc, books, _, _, _ := newMockService(t)
		books.On("GetByStorageKey", ctx, "Lost Road_9.epub").Return(nil, database.ErrNotFound).Once()
		books.On("GetByStorageKey", ctx, "Lost_Road_9.epub").Return(nil, database.ErrNotFound).Once()

		_, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Lost_Road_9.epub", Data: sidecar("2025-01-01", "0.1")})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		books.AssertExpectations(t)
	})

	t.Run("storage key without extension", func(t *testing.T) {
		svc, books, _, _, _ := newMockService(t)
		books.On("GetByStorageKey", ctx, "Dune").Return(&models.Book{ID: "b1", StorageKey: "Dune"}, nil)

		_, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune", Data: sidecar("2025-01-01", "0.1")})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("catalog failure", func(t *testing.T) {
		svc, books, _, _, _ := newMockService(t)
		books.On("GetByStorageKey", ctx, "Dune.epub").Return(nil, errors.New("db down"))

		_, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune.epub"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	})
}

func TestConfirmProgressDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown book", func(t *testing.T) {
		svc, books, _, _, _ := newMockService(t)
		books.On("GetByID", ctx, "nope").Return(nil, database.ErrNotFound)
		_, err := svc.ConfirmProgressDownload(ctx, "kobo", "nope")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("nothing to confirm", func(t *testing.T) {
		svc, books, _, marks, _ := newMockService(t)
		books.On("GetByID", ctx, "b1").Return(&models.Book{ID: "b1"}, nil)
		_, err := svc.ConfirmProgressDownload(ctx, "kobo", "b1")
		assert.ErrorIs(t, err, apperr.ErrConflict)
		marks.AssertNotCalled(t, "UpsertByDeviceAndBook", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing device", func(t *testing.T) {
		svc, _, _, _, _ := newMockService(t)
		_, err := svc.ConfirmProgressDownload(ctx, " ", "b1")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("upserts watermark", func(t *testing.T) {
		svc, books, _, marks, _ := newMockService(t)
		day := "2025-03-01"
		books.On("GetByID", ctx, "b1").Return(&models.Book{ID: "b1", ProgressUpdatedAt: &day}, nil)
		marks.On("UpsertByDeviceAndBook", ctx, "kobo", "b1", day).Return(nil)

		wm, err := svc.ConfirmProgressDownload(ctx, "kobo", "b1")
		require.NoError(t, err)
		assert.Equal(t, day, wm.ProgressUpdatedAt)
		marks.AssertExpectations(t)
	})
}

func TestGetBookProgressHistory(t *testing.T) {
	ctx := context.Background()
	svc, books, history, _, _ := newMockService(t)

	books.On("GetByID", ctx, "b1").Return(&models.Book{ID: "b1"}, nil)
	history.On("GetByBookID", ctx, "b1").Return([]models.ProgressHistoryEntry{
		{ID: 3, BookID: "b1", ProgressPercent: 1.2, RecordedAt: fixedNow},
		{ID: 2, BookID: "b1", ProgressPercent: 0.255, RecordedAt: fixedNow.Add(-time.Hour)},
		{ID: 1, BookID: "b1", ProgressPercent: -0.1, RecordedAt: fixedNow.Add(-2 * time.Hour)},
	}, nil)

	points, err := svc.GetBookProgressHistory(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 100.0, points[0].ProgressPercent)
	assert.InDelta(t, 25.5, points[1].ProgressPercent, 1e-9)
	assert.Equal(t, 0.0, points[2].ProgressPercent)

	books.On("GetByID", ctx, "missing").Return(nil, database.ErrNotFound)
	_, err = svc.GetBookProgressHistory(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// newIntegrationService wires the service to a real SQLite catalog.
func newIntegrationService(t *testing.T) (*Service, *database.BookRepository, storage.Storage) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "sync.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	books := database.NewBookRepository(db, logger.Nop())
	store := storage.NewMemoryStorage()
	svc := NewService(
		books,
		database.NewProgressHistoryRepository(db, logger.Nop()),
		database.NewDeviceProgressRepository(db, logger.Nop()),
		store,
		logger.Nop(),
	)
	return svc, books, store
}

func TestIntegration_LastWriterWinsByDay(t *testing.T) {
	ctx := context.Background()
	svc, books, store := newIntegrationService(t)
	require.NoError(t, books.Create(ctx, &models.Book{StorageKey: "Dune_7.epub", Title: "Dune", Pages: 400}))

	_, err := store.Get(ctx, "library/Dune_7.sdr/metadata.epub.lua")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// no stored sidecar: any date is accepted
	_, err = svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune_7.epub", Data: sidecar("2025-01-05", "0.1")})
	require.NoError(t, err)

	// newer accepted
	_, err = svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune_7.epub", Data: sidecar("2025-01-06", "0.2")})
	require.NoError(t, err)

	// older rejected, twice, leaving storage unchanged
	for i := 0; i < 2; i++ {
		_, err = svc.PutProgress(ctx, PutProgressInput{LookupTitle: "Dune_7.epub", Data: sidecar("2025-01-05", "0.9")})
		require.ErrorIs(t, err, apperr.ErrConflict)
	}

	file, err := svc.GetProgress(ctx, "Dune_7.epub")
	require.NoError(t, err)
	assert.Equal(t, sidecar("2025-01-06", "0.2"), file.Data)
	assert.Equal(t, "metadata.epub.lua", file.MetadataFileName)

	book, err := books.GetByStorageKey(ctx, "Dune_7.epub")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-06", models.Deref(book.ProgressUpdatedAt))
	assert.InDelta(t, 0.2, book.Percent(), 1e-9)

	points, err := svc.GetBookProgressHistory(ctx, book.ID)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestIntegration_UnderscoredStorageKey(t *testing.T) {
	ctx := context.Background()
	svc, books, store := newIntegrationService(t)

	key := progress.BuildBookFileName("The Road", "42", "epub")
	require.Equal(t, "The_Road_42.epub", key)
	require.NoError(t, books.Create(ctx, &models.Book{StorageKey: key, Title: "The Road"}))

	res, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: key, Data: sidecar("2025-04-01", "0.3")})
	require.NoError(t, err)
	assert.Equal(t, "The_Road_42.sdr/metadata.epub.lua", res.ProgressKey)

	_, err = store.Get(ctx, "library/The_Road_42.sdr/metadata.epub.lua")
	require.NoError(t, err)

	file, err := svc.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sidecar("2025-04-01", "0.3"), file.Data)

	book, err := books.GetByStorageKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, book.ID, file.BookID)
	assert.InDelta(t, 0.3, book.Percent(), 1e-9)
}

func TestIntegration_GetProgressNotFound(t *testing.T) {
	ctx := context.Background()
	svc, books, _ := newIntegrationService(t)

	_, err := svc.GetProgress(ctx, "Unknown_1.epub")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, books.Create(ctx, &models.Book{StorageKey: "Known_1.epub", Title: "Known"}))
	_, err = svc.GetProgress(ctx, "Known_1.epub")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIntegration_WatermarksHideConfirmedProgress(t *testing.T) {
	ctx := context.Background()
	svc, books, _ := newIntegrationService(t)
	require.NoError(t, books.Create(ctx, &models.Book{StorageKey: "A_1.epub", Title: "A"}))
	require.NoError(t, books.Create(ctx, &models.Book{StorageKey: "B_2.epub", Title: "B"}))

	// uploading device is confirmed implicitly
	_, err := svc.PutProgress(ctx, PutProgressInput{LookupTitle: "A_1.epub", Data: sidecar("2025-02-01", "0.4"), DeviceID: "kobo"})
	require.NoError(t, err)

	list, err := svc.ListNewProgressForDevice(ctx, "kobo")
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = svc.ListNewProgressForDevice(ctx, "phone")
	require.NoError(t, err)
	require.Len(t, list, 1)
	bookID := list[0].ID

	_, err = svc.ConfirmProgressDownload(ctx, "phone", bookID)
	require.NoError(t, err)
	list, err = svc.ListNewProgressForDevice(ctx, "phone")
	require.NoError(t, err)
	assert.Empty(t, list)

	// progress moves on: the book is new again for the phone
	_, err = svc.PutProgress(ctx, PutProgressInput{LookupTitle: "A_1.epub", Data: sidecar("2025-02-02", "0.5"), DeviceID: "kobo"})
	require.NoError(t, err)
	list, err = svc.ListNewProgressForDevice(ctx, "phone")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, bookID, list[0].ID)

	marks, err := svc.GetDeviceProgress(ctx, "phone")
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, bookID, marks[0].BookID)
	assert.Equal(t, "2025-02-01", marks[0].ProgressUpdatedAt)

	// the book without progress cannot be confirmed
	other, err := books.GetByStorageKey(ctx, "B_2.epub")
	require.NoError(t, err)
	_, err = svc.ConfirmProgressDownload(ctx, "phone", other.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestGetDeviceProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("empty is not nil", func(t *testing.T) {
		svc, _, _, marks, _ := newMockService(t)
		marks.On("GetByDevice", ctx, "kobo").Return(nil, nil)

		got, err := svc.GetDeviceProgress(ctx, " kobo ")
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("device required", func(t *testing.T) {
		svc, _, _, _, _ := newMockService(t)
		_, err := svc.GetDeviceProgress(ctx, " ")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("store failure", func(t *testing.T) {
		svc, _, _, marks, _ := newMockService(t)
		marks.On("GetByDevice", ctx, "kobo").Return(nil, errors.New("db down"))

		_, err := svc.GetDeviceProgress(ctx, "kobo")
		assert.Error(t, err)
	})
}
