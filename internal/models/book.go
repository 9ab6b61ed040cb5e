package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Book is a catalog entry. Progress fields describe the most recently accepted sidecar upload.
type Book struct {
	ID         string  `gorm:"primaryKey;size:64" json:"id"`
	StorageKey string  `gorm:"uniqueIndex;size:512;not null" json:"storageKey"`
	Title      string  `gorm:"not null" json:"title"`
	Author     *string `json:"author,omitempty"`
	Extension  *string `gorm:"size:16" json:"extension,omitempty"`

	// ExternalID is the identifier of the book at the book source.
	ExternalID *string `gorm:"index;size:128" json:"externalId,omitempty"`
	Filesize   *int64  `json:"filesize,omitempty"`
	Language   *string `gorm:"size:32" json:"language,omitempty"`
	Year       *int    `json:"year,omitempty"`
	Pages      int     `gorm:"not null;default:0" json:"pages"`

	ProgressStorageKey *string    `gorm:"size:512" json:"progressStorageKey,omitempty"`
	ProgressUpdatedAt  *string    `gorm:"size:10" json:"progressUpdatedAt,omitempty"` // YYYY-MM-DD
	ProgressPercent    *float64   `json:"progressPercent,omitempty"`
	ProgressBeforeRead *float64   `json:"progressBeforeRead,omitempty"`
	ReadAt             *time.Time `json:"readAt,omitempty"`

	ExcludeFromNewBooks bool       `gorm:"not null;default:false" json:"excludeFromNewBooks"`
	ArchivedAt          *time.Time `json:"archivedAt,omitempty"`
	TrashedAt           *time.Time `gorm:"index" json:"trashedAt,omitempty"`
	TrashExpiresAt      *time.Time `json:"trashExpiresAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BeforeCreate assigns an id and timestamps to new books
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id.String()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	return nil
}

// Percent returns the stored progress or 0 when none was recorded.
func (b *Book) Percent() float64 {
	if b == nil || b.ProgressPercent == nil {
		return 0
	}
	return *b.ProgressPercent
}

// IsTrashed reports whether the book sits in the trash.
func (b *Book) IsTrashed() bool {
	return b != nil && b.TrashedAt != nil
}

// ProgressHistoryEntry is one accepted progress upload. Rows are never updated.
type ProgressHistoryEntry struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	BookID          string    `gorm:"index;size:64;not null" json:"bookId"`
	ProgressPercent float64   `gorm:"not null" json:"progressPercent"`
	RecordedAt      time.Time `gorm:"index;not null" json:"recordedAt"`
}

// Before reports whether e sorts before o in ledger order (recordedAt, then id).
func (e ProgressHistoryEntry) Before(o ProgressHistoryEntry) bool {
	if !e.RecordedAt.Equal(o.RecordedAt) {
		return e.RecordedAt.Before(o.RecordedAt)
	}
	return e.ID < o.ID
}

// DeviceProgressWatermark is the progressUpdatedAt value a device last acknowledged for a book.
type DeviceProgressWatermark struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DeviceID          string    `gorm:"uniqueIndex:idx_watermark_device_book;size:128;not null" json:"deviceId"`
	BookID            string    `gorm:"uniqueIndex:idx_watermark_device_book;size:64;not null" json:"bookId"`
	ProgressUpdatedAt string    `gorm:"size:10;not null" json:"progressUpdatedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// DeviceDownload marks that a device pulled the book file.
type DeviceDownload struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DeviceID     string    `gorm:"uniqueIndex:idx_download_device_book;size:128;not null" json:"deviceId"`
	BookID       string    `gorm:"uniqueIndex:idx_download_device_book;size:64;not null" json:"bookId"`
	DownloadedAt time.Time `gorm:"not null" json:"downloadedAt"`
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
