package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	return entry
}

func TestStructuredLoggerDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	entry := decodeLog(t, &buf)
	if entry["method"] != "GET" {
		t.Fatalf("expected method GET, got %v", entry["method"])
	}
	if entry["path"] != "/api/v1/health" {
		t.Fatalf("expected path /api/v1/health, got %v", entry["path"])
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
	if entry["bytes"] != float64(2) {
		t.Fatalf("expected bytes 2, got %v", entry["bytes"])
	}
	if entry["subsystem"] != "http" {
		t.Fatalf("expected subsystem http, got %v", entry["subsystem"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in log output")
	}
}

func TestStructuredLoggerExplicitStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/spans/9/start", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	entry := decodeLog(t, &buf)
	if entry["method"] != "POST" {
		t.Fatalf("expected method POST, got %v", entry["method"])
	}
	if entry["status"] != float64(404) {
		t.Fatalf("expected status 404, got %v", entry["status"])
	}
	if entry["level"] != "INFO" {
		t.Fatalf("expected level INFO, got %v", entry["level"])
	}
}

func TestStructuredLoggerServerErrorIsWarn(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if entry := decodeLog(t, &buf); entry["level"] != "WARN" {
		t.Fatalf("expected level WARN, got %v", entry["level"])
	}
}

func TestStructuredLoggerDoubleWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError) // Should be ignored.
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	if entry := decodeLog(t, &buf); entry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", entry["status"])
	}
}

func TestWrapResponseWriterDefaultStatus(t *testing.T) {
	w := newWrapResponseWriter(httptest.NewRecorder())
	if w.status != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", w.status)
	}
}

func TestWrapResponseWriterCapturesStatus(t *testing.T) {
	w := newWrapResponseWriter(httptest.NewRecorder())
	w.WriteHeader(http.StatusBadRequest)
	if w.status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.status)
	}
}
