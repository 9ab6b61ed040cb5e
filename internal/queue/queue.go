// Package queue runs book downloads one at a time in the background,
// retrying transient failures with exponential backoff.
package queue

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/logger"
)

// Status of a queued download.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultRetention   = 30 * time.Minute
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("download queue is closed")

// Credentials authenticate against the book source. They never leave the queue.
type Credentials struct {
	UserID  string
	UserKey string
}

// Task describes one book to fetch and ingest.
type Task struct {
	BookID      string
	Hash        string
	Title       string
	Extension   string
	Author      *string
	Cover       *string
	Filesize    *int64
	Language    *string
	Year        *int
	Credentials Credentials
}

// Processor performs one download-and-ingest attempt.
type Processor interface {
	Process(ctx context.Context, task Task) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task Task) error

func (f ProcessorFunc) Process(ctx context.Context, task Task) error { return f(ctx, task) }

// JobSnapshot is a point-in-time copy of a job, safe to hand to callers.
type JobSnapshot struct {
	ID         string     `json:"id"`
	BookID     string     `json:"bookId"`
	Hash       string     `json:"hash"`
	Title      string     `json:"title"`
	Extension  string     `json:"extension"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// QueueStatus counts jobs that have not finished.
type QueueStatus struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

type job struct {
	id         string
	task       Task
	status     Status
	attempts   int
	err        string
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time
}

func (j *job) snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:        j.id,
		BookID:    j.task.BookID,
		Hash:      j.task.Hash,
		Title:     j.task.Title,
		Extension: j.task.Extension,
		Status:    j.status,
		Attempts:  j.attempts,
		Error:     j.err,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
	if !j.finishedAt.IsZero() {
		f := j.finishedAt
		s.FinishedAt = &f
	}
	return s
}

// Option customizes a DownloadQueue.
type Option func(*DownloadQueue)

func WithMaxAttempts(n int) Option {
	return func(q *DownloadQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(q *DownloadQueue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(q *DownloadQueue) {
		if d > 0 {
			q.retention = d
		}
	}
}

func WithScheduler(s Scheduler) Option {
	return func(q *DownloadQueue) { q.scheduler = s }
}

func WithClock(now func() time.Time) Option {
	return func(q *DownloadQueue) { q.now = now }
}

// DownloadQueue is a single-worker job runner. Jobs run strictly one after
// another; a job waiting for its retry blocks the ones behind it.
type DownloadQueue struct {
	processor   Processor
	scheduler   Scheduler
	log         *logger.Logger
	now         func() time.Time
	maxAttempts int
	baseDelay   time.Duration
	retention   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*list.Element // id -> element of order, value *job
	order    *list.List               // creation order
	pending  []string                 // FIFO of queued ids
	finished []string                 // terminal ids in finish order
	running  bool
	retry    Timer
	retryJob string
	closed   bool
}

// New creates a download queue that hands jobs to processor.
func New(processor Processor, log *logger.Logger, opts ...Option) *DownloadQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &DownloadQueue{
		processor:   processor,
		scheduler:   RealScheduler,
		log:         log.Component("download_queue"),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		retention:   DefaultRetention,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*list.Element),
		order:       list.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a task and starts the worker if it is idle. It never blocks on job execution.
func (q *DownloadQueue) Enqueue(task Task) (string, error) {
	if strings.TrimSpace(task.BookID) == "" || strings.TrimSpace(task.Hash) == "" || strings.TrimSpace(task.Title) == "" {
		return "", apperr.Validation("bookId, hash and title are required")
	}
	if task.Extension == "" {
		task.Extension = "epub"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", apperr.Internal(err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	now := q.now().UTC()
	j := &job{id: id.String(), task: task, status: StatusQueued, createdAt: now, updatedAt: now}
	q.jobs[j.id] = q.order.PushBack(j)
	q.pending = append(q.pending, j.id)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	q.log.Info("Download queued", map[string]interface{}{
		"event":   "queue.job.enqueued",
		"job_id":  j.id,
		"book_id": task.BookID,
		"title":   task.Title,
	})

	if start {
		go q.drain()
	}
	return j.id, nil
}

// GetStatus counts queued and processing jobs.
func (q *DownloadQueue) GetStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s QueueStatus
	for e := q.order.Front(); e != nil; e = e.Next() {
		switch e.Value.(*job).status {
		case StatusQueued:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		}
	}
	return s
}

// GetTasks returns snapshots of all retained jobs, newest first.
func (q *DownloadQueue) GetTasks() []JobSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]JobSnapshot, 0, q.order.Len())
	for e := q.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(*job).snapshot())
	}
	return out
}

// Close stops the worker. A job waiting for a retry is marked failed; a job in
// flight sees its context canceled.
func (q *DownloadQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.retry != nil && q.retry.Stop() {
		if e, ok := q.jobs[q.retryJob]; ok {
			q.finishLocked(e.Value.(*job), StatusFailed, "queue closed")
		}
		q.retry = nil
		q.running = false
	}
	q.mu.Unlock()
	q.cancel()
}

// drain runs jobs until the FIFO is empty or a retry has been scheduled.
func (q *DownloadQueue) drain() {
	for {
		j, ok := q.dequeue()
		if !ok {
			return
		}
		if !q.attempt(j) {
			return
		}
	}
}

func (q *DownloadQueue) dequeue() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 && !q.closed {
		id := q.pending[0]
		q.pending = q.pending[1:]
		e, ok := q.jobs[id]
		if !ok {
			continue
		}
		j := e.Value.(*job)
		if j.status != StatusQueued {
			continue
		}
		j.status = StatusProcessing
		j.updatedAt = q.now().UTC()
		return j, true
	}
	q.running = false
	return nil, false
}

// attempt runs one try of j. It reports true when j reached a terminal state
// and false when a retry was scheduled; the retry continues the drain itself.
func (q *DownloadQueue) attempt(j *job) bool {
	q.mu.Lock()
	j.attempts++
	j.updatedAt = q.now().UTC()
	n := j.attempts
	task := j.task
	q.mu.Unlock()

	q.log.Debug("Processing download", map[string]interface{}{
		"event":   "queue.job.attempt",
		"job_id":  j.id,
		"attempt": n,
	})

	err := q.processor.Process(q.ctx, task)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.finishLocked(j, StatusCompleted, "")
		q.log.Info("Download completed", map[string]interface{}{
			"event":    "queue.job.completed",
			"job_id":   j.id,
			"book_id":  task.BookID,
			"attempts": n,
		})
		return true
	}

	if IsRetryable(err) && n < q.maxAttempts && !q.closed {
		delay := Backoff(q.baseDelay, n)
		q.log.Warn("Download attempt failed, retrying", map[string]interface{}{
			"event":   "queue.job.retry",
			"job_id":  j.id,
			"attempt": n,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		q.retryJob = j.id
		q.retry = q.scheduler.AfterFunc(delay, func() { q.resume(j) })
		return false
	}

	q.finishLocked(j, StatusFailed, err.Error())
	q.log.Error("Download failed", map[string]interface{}{
		"event":    "queue.job.failed",
		"job_id":   j.id,
		"book_id":  task.BookID,
		"attempts": n,
		"error":    err.Error(),
	})
	return true
}

// resume continues after a retry delay. A timer that fired while Close was
// running finds the queue closed and fails its job here.
func (q *DownloadQueue) resume(j *job) {
	q.mu.Lock()
	q.retry = nil
	q.retryJob = ""
	if q.closed {
		if j.status == StatusProcessing {
			q.finishLocked(j, StatusFailed, "queue closed")
		}
		q.running = false
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	if q.attempt(j) {
		q.drain()
	}
}

// finishLocked moves j to a terminal state and applies retention. q.mu must be held.
func (q *DownloadQueue) finishLocked(j *job, status Status, msg string) {
	now := q.now().UTC()
	j.status = status
	j.err = msg
	j.updatedAt = now
	j.finishedAt = now
	q.finished = append(q.finished, j.id)
	q.cleanupLocked(now)
}

// cleanupLocked drops terminal jobs that finished more than retention ago.
func (q *DownloadQueue) cleanupLocked(now time.Time) {
	cutoff := now.Add(-q.retention)
	for len(q.finished) > 0 {
		e, ok := q.jobs[q.finished[0]]
		if ok {
			j := e.Value.(*job)
			if !j.status.terminal() || !j.finishedAt.Before(cutoff) {
				return
			}
			q.order.Remove(e)
			delete(q.jobs, j.id)
		}
		q.finished = q.finished[1:]
	}
}
