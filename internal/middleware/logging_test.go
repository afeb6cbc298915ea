package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seenRequestID string
	handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		if !ok {
			t.Error("request ID missing from context")
		}
		seenRequestID = id
		LoggerFromContext(r.Context()).InfoContext(r.Context(), "inside handler")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/flags", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3", len(lines))
	}

	var completed map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &completed); err != nil {
		t.Fatalf("unmarshal completion line: %v", err)
	}
	if completed["msg"] != "request completed" {
		t.Errorf("msg = %v, want request completed", completed["msg"])
	}
	if completed["status_code"] != float64(http.StatusTeapot) {
		t.Errorf("status_code = %v, want %d", completed["status_code"], http.StatusTeapot)
	}
	if completed["request_id"] != seenRequestID {
		t.Errorf("request_id = %v, want %s", completed["request_id"], seenRequestID)
	}
}

func TestRequestLoggingPreservesFlush(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer does not implement http.Flusher")
		}
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

func TestLoggerFromContextFallsBack(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Error("expected default logger fallback")
	}
}

func FuzzParseBearerToken(f *testing.F) {
	f.Add("Bearer sdk-abc.s3cret")
	f.Add("bearer lowercase")
	f.Add("Basic nope")
	f.Add("")
	f.Add("Bearer")
	f.Add("Bearer a b c")

	f.Fuzz(func(t *testing.T, header string) {
		token, err := parseBearerToken(header)
		if err == nil && token == "" {
			t.Error("accepted header produced empty token")
		}
	})
}
