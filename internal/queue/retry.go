package queue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
)

var transientMarkers = []string{
	"timeout",
	"network",
	"econnreset",
	"connection reset",
	"socket hang up",
	"fetch failed",
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

func statusOf(err error) int {
	if s := apperr.UpstreamStatus(err); s != 0 {
		return s
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// IsRetryable reports whether a failed attempt is worth repeating: upstream
// 429 and 5xx responses, deadlines, and transport failures recognized by
// their message.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	status := statusOf(err)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before the attempt following attempt n (1-based):
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<(attempt-1))
}
