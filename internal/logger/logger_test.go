package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{"debug level", "debug", zerolog.DebugLevel},
		{"info level", "info", zerolog.InfoLevel},
		{"warn level", "WARN", zerolog.WarnLevel},
		{"error level", "error", zerolog.ErrorLevel},
		{"default level", "", zerolog.InfoLevel},
		{"invalid level", "loud", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(Config{Level: tt.level, Output: &buf})
			assert.Equal(t, tt.expected, l.GetLevel())
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	assert.Equal(t, FormatConsole, ParseLogFormat("console"))
	assert.Equal(t, FormatConsole, ParseLogFormat(" Text "))
	assert.Equal(t, FormatJSON, ParseLogFormat("json"))
	assert.Equal(t, FormatJSON, ParseLogFormat("whatever"))
}

func TestLogger_FieldsAreEmitted(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: FormatJSON, Output: &buf})

	l.Component("sync").Info("progress uploaded", map[string]interface{}{
		"book_id": "b1",
		"event":   "progress.uploaded",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "progress uploaded", entry["message"])
	assert.Equal(t, "sync", entry["component"])
	assert.Equal(t, "b1", entry["book_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: FormatJSON, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info("x")
		l.Warn("x")
		l.Error("x")
		l.Debug("x")
	})
}

func TestSetupAndReset(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var buf bytes.Buffer
	Setup(Config{Level: "error", Format: FormatJSON, Output: &buf})
	assert.Equal(t, zerolog.ErrorLevel, Get().GetLevel())

	// second Setup is ignored
	Setup(Config{Level: "debug", Format: FormatJSON, Output: &buf})
	assert.Equal(t, zerolog.ErrorLevel, Get().GetLevel())

	ForceSetup(Config{Level: "debug", Format: FormatJSON, Output: &buf})
	assert.Equal(t, zerolog.DebugLevel, Get().GetLevel())
}

func TestContextHelpers(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	l := Nop()
	ctx := NewContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.Same(t, Get(), FromContext(context.Background()))
	assert.Equal(t, context.Background(), NewContext(context.Background(), nil))
}

func TestHTTPMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"ok", http.StatusOK, "info"},
		{"client error", http.StatusConflict, "warn"},
		{"server error", http.StatusBadGateway, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(Config{Level: "debug", Format: FormatJSON, Output: &buf})

			h := RequestIDMiddleware(l)(HTTPMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})))

			req := httptest.NewRequest(http.MethodGet, "/api/progress/x?deviceId=d", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

			line := strings.TrimSpace(buf.String())
			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(line), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "GET", entry["method"])
			assert.Equal(t, "/api/progress/x", entry["path"])
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, float64(4), entry["bytes"])
			assert.Equal(t, rec.Header().Get("X-Request-Id"), entry["request_id"])
		})
	}
}

func TestRequestIDMiddleware_KeepsIncomingID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(ContextKeyRequestID).(string)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc123", seen)
	assert.Equal(t, "abc123", rec.Header().Get("X-Request-Id"))
}
