// Package api implements the HTTP handlers for progress sync, library
// maintenance, reading analytics and the download queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/library"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/models"
	"github.com/drallgood/reader-progress-sync/internal/queue"
	"github.com/drallgood/reader-progress-sync/internal/stats"
	"github.com/drallgood/reader-progress-sync/internal/sync"
)

// MaxProgressSize bounds an uploaded sidecar.
const MaxProgressSize = 10 << 20

// ProgressService is the progress sync use case.
type ProgressService interface {
	GetProgress(ctx context.Context, lookupTitle string) (*sync.ProgressFile, error)
	PutProgress(ctx context.Context, in sync.PutProgressInput) (*sync.PutProgressResult, error)
	ConfirmProgressDownload(ctx context.Context, deviceID, bookID string) (*models.DeviceProgressWatermark, error)
	ListNewProgressForDevice(ctx context.Context, deviceID string) ([]models.Book, error)
	GetBookProgressHistory(ctx context.Context, bookID string) ([]sync.HistoryPoint, error)
	GetDeviceProgress(ctx context.Context, deviceID string) ([]models.DeviceProgressWatermark, error)
}

// LibraryService is the library maintenance use case.
type LibraryService interface {
	List(ctx context.Context) ([]library.Entry, error)
	GetDetail(ctx context.Context, bookID string) (*library.BookDetail, error)
	GetFile(ctx context.Context, bookID string) (*library.File, error)
	ResetDownloadStatus(ctx context.Context, bookID string) error
	GetDeviceDownloads(ctx context.Context, deviceID string) ([]models.DeviceDownload, error)
	UpdateState(ctx context.Context, bookID string, upd library.StateUpdate) (*library.BookState, error)
	MoveToTrash(ctx context.Context, bookID string) (*library.TrashResult, error)
	Restore(ctx context.Context, bookID string) error
	DeleteTrashed(ctx context.Context, bookID string) error
	ListTrash(ctx context.Context) ([]library.Entry, error)
	GetNewBooksForDevice(ctx context.Context, deviceID string) ([]models.Book, error)
	ConfirmDownload(ctx context.Context, deviceID, bookID string) error
	RemoveDeviceDownload(ctx context.Context, deviceID, bookID string) error
}

// StatsService computes reading analytics.
type StatsService interface {
	GetReadingActivity(ctx context.Context, days int) (*stats.ReadingActivity, error)
}

// DownloadQueue accepts book downloads.
type DownloadQueue interface {
	Enqueue(task queue.Task) (string, error)
	GetStatus() queue.QueueStatus
	GetTasks() []queue.JobSnapshot
}

// Handler provides the HTTP handlers of the API
type Handler struct {
	progress ProgressService
	library  LibraryService
	stats    StatsService
	queue    DownloadQueue
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(progress ProgressService, lib LibraryService, st StatsService, q DownloadQueue, log *logger.Logger) *Handler {
	return &Handler{
		progress: progress,
		library:  lib,
		stats:    st,
		queue:    q,
		logger:   log.Component("api"),
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RegisterRoutes mounts every API route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/progress", func(r chi.Router) {
		r.Get("/{title}", h.GetProgress)
		r.Put("/{title}", h.PutProgress)
	})

	r.Route("/devices/{deviceId}", func(r chi.Router) {
		r.Get("/", h.GetDevice)
		r.Get("/progress/new", h.ListNewProgress)
		r.Post("/progress/{bookId}/confirm", h.ConfirmProgress)
		r.Get("/books/new", h.ListNewBooks)
		r.Post("/books/{bookId}/confirm", h.ConfirmDownload)
		r.Delete("/books/{bookId}", h.RemoveDownload)
	})

	r.Get("/books", h.ListBooks)
	r.Route("/books/{bookId}", func(r chi.Router) {
		r.Get("/", h.GetBook)
		r.Get("/file", h.GetBookFile)
		r.Delete("/downloads", h.ResetDownloads)
		r.Get("/progress-history", h.GetProgressHistory)
		r.Patch("/state", h.UpdateState)
		r.Post("/trash", h.MoveToTrash)
		r.Post("/restore", h.Restore)
	})

	r.Get("/trash", h.ListTrash)
	r.Delete("/trash/{bookId}", h.DeleteTrashed)

	r.Get("/stats/reading", h.GetReadingActivity)

	r.Get("/queue", h.GetQueue)
	r.Post("/queue", h.Enqueue)
}

// writeJSONResponse writes a JSON response
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode JSON response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError maps err onto its HTTP status. Internal errors are logged and
// reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		if apperr.KindOf(err) == apperr.KindInternal {
			message = "internal server error"
		}
	}
	h.writeJSONResponse(w, status, APIResponse{Success: false, Error: message})
}

// writeSuccessResponse writes a success response
func (h *Handler) writeSuccessResponse(w http.ResponseWriter, status int, data interface{}) {
	h.writeJSONResponse(w, status, APIResponse{Success: true, Data: data})
}

func (h *Handler) decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// GetProgress handles GET /api/progress/{title}
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	file, err := h.progress.GetProgress(r.Context(), chi.URLParam(r, "title"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-lua")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.MetadataFileName))
	w.Header().Set("X-Book-Id", file.BookID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Data); err != nil {
		h.logger.Warn("Failed to write progress file", map[string]interface{}{
			"book_id": file.BookID,
			"error":   err.Error(),
		})
	}
}

// PutProgress handles PUT /api/progress/{title}?deviceId=
func (h *Handler) PutProgress(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxProgressSize+1))
	if err != nil {
		h.writeError(w, r, apperr.Validation("failed to read body: %v", err))
		return
	}
	if len(data) > MaxProgressSize {
		h.writeJSONResponse(w, http.StatusRequestEntityTooLarge, APIResponse{Error: "progress file too large"})
		return
	}
	if len(data) == 0 {
		h.writeError(w, r, apperr.Validation("progress file is empty"))
		return
	}

	res, err := h.progress.PutProgress(r.Context(), sync.PutProgressInput{
		LookupTitle: chi.URLParam(r, "title"),
		Data:        data,
		DeviceID:    strings.TrimSpace(r.URL.Query().Get("deviceId")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, res)
}

// ConfirmProgress handles POST /api/devices/{deviceId}/progress/{bookId}/confirm
func (h *Handler) ConfirmProgress(w http.ResponseWriter, r *http.Request) {
	mark, err := h.progress.ConfirmProgressDownload(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "bookId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, mark)
}

// ListNewProgress handles GET /api/devices/{deviceId}/progress/new
func (h *Handler) ListNewProgress(w http.ResponseWriter, r *http.Request) {
	books, err := h.progress.ListNewProgressForDevice(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, books)
}

// ListNewBooks handles GET /api/devices/{deviceId}/books/new
func (h *Handler) ListNewBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.library.GetNewBooksForDevice(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, books)
}

// ConfirmDownload handles POST /api/devices/{deviceId}/books/{bookId}/confirm
func (h *Handler) ConfirmDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.library.ConfirmDownload(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "bookId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, nil)
}

// RemoveDownload handles DELETE /api/devices/{deviceId}/books/{bookId}
func (h *Handler) RemoveDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.library.RemoveDeviceDownload(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "bookId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, nil)
}

// DeviceSummary is the body of GET /api/devices/{deviceId}.
type DeviceSummary struct {
	DeviceID  string                           `json:"deviceId"`
	Downloads []models.DeviceDownload          `json:"downloads"`
	Progress  []models.DeviceProgressWatermark `json:"progress"`
}

// GetDevice handles GET /api/devices/{deviceId}
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceId"))
	downloads, err := h.library.GetDeviceDownloads(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	marks, err := h.progress.GetDeviceProgress(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, DeviceSummary{
		DeviceID:  deviceID,
		Downloads: downloads,
		Progress:  marks,
	})
}

// ListBooks handles GET /api/books
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	entries, err := h.library.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, entries)
}

// GetBook handles GET /api/books/{bookId}
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	detail, err := h.library.GetDetail(r.Context(), chi.URLParam(r, "bookId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, detail)
}

// GetBookFile handles GET /api/books/{bookId}/file
func (h *Handler) GetBookFile(w http.ResponseWriter, r *http.Request) {
	file, err := h.library.GetFile(r.Context(), chi.URLParam(r, "bookId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Data); err != nil {
		h.logger.Warn("Failed to write book file", map[string]interface{}{
			"file":  file.FileName,
			"error": err.Error(),
		})
	}
}

// ResetDownloads handles DELETE /api/books/{bookId}/downloads
func (h *Handler) ResetDownloads(w http.ResponseWriter, r *http.Request) {
	if err := h.library.ResetDownloadStatus(r.Context(), chi.URLParam(r, "bookId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, nil)
}

// GetProgressHistory handles GET /api/books/{bookId}/progress-history
func (h *Handler) GetProgressHistory(w http.ResponseWriter, r *http.Request) {
	points, err := h.progress.GetBookProgressHistory(r.Context(), chi.URLParam(r, "bookId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, points)
}

// UpdateState handles PATCH /api/books/{bookId}/state
func (h *Handler) UpdateState(w http.ResponseWriter, r *http.Request) {
	var req library.StateUpdate
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	state, err := h.library.UpdateState(r.Context(), chi.URLParam(r, "bookId"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, state)
}

// MoveToTrash handles POST /api/books/{bookId}/trash
func (h *Handler) MoveToTrash(w http.ResponseWriter, r *http.Request) {
	res, err := h.library.MoveToTrash(r.Context(), chi.URLParam(r, "bookId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, res)
}

// Restore handles POST /api/books/{bookId}/restore
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	if err := h.library.Restore(r.Context(), chi.URLParam(r, "bookId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, nil)
}

// ListTrash handles GET /api/trash
func (h *Handler) ListTrash(w http.ResponseWriter, r *http.Request) {
	entries, err := h.library.ListTrash(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, entries)
}

// DeleteTrashed handles DELETE /api/trash/{bookId}
func (h *Handler) DeleteTrashed(w http.ResponseWriter, r *http.Request) {
	if err := h.library.DeleteTrashed(r.Context(), chi.URLParam(r, "bookId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, nil)
}

// GetReadingActivity handles GET /api/stats/reading?days=
func (h *Handler) GetReadingActivity(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, apperr.Validation("days must be an integer"))
			return
		}
		days = n
	}
	activity, err := h.stats.GetReadingActivity(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusOK, activity)
}

// EnqueueRequest is the body of POST /api/queue.
type EnqueueRequest struct {
	BookID    string  `json:"bookId"`
	Hash      string  `json:"hash"`
	Title     string  `json:"title"`
	Extension string  `json:"extension"`
	Author    *string `json:"author"`
	Cover     *string `json:"cover"`
	Filesize  *int64  `json:"filesize"`
	Language  *string `json:"language"`
	Year      *int    `json:"year"`
	UserID    string  `json:"userId"`
	UserKey   string  `json:"userKey"`
}

// QueueView is the body of GET /api/queue.
type QueueView struct {
	Status queue.QueueStatus   `json:"status"`
	Jobs   []queue.JobSnapshot `json:"jobs"`
}

// Enqueue handles POST /api/queue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.queue.Enqueue(queue.Task{
		BookID:      req.BookID,
		Hash:        req.Hash,
		Title:       req.Title,
		Extension:   req.Extension,
		Author:      req.Author,
		Cover:       req.Cover,
		Filesize:    req.Filesize,
		Language:    req.Language,
		Year:        req.Year,
		Credentials: queue.Credentials{UserID: req.UserID, UserKey: req.UserKey},
	})
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			h.writeJSONResponse(w, http.StatusServiceUnavailable, APIResponse{Error: err.Error()})
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, http.StatusAccepted, map[string]string{"jobId": id})
}

// GetQueue handles GET /api/queue
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	h.writeSuccessResponse(w, http.StatusOK, QueueView{
		Status: h.queue.GetStatus(),
		Jobs:   h.queue.GetTasks(),
	})
}
