package log

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := Init(&Config{Level: "info", Format: "text", Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { Init(&Config{Level: "info", Output: &bytes.Buffer{}}) })
	return &buf
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)
	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/rpc/add_one", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	output := buf.String()
	for _, want := range []string{"http request", "POST", "/rpc/add_one", "status=200"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log to contain %q, got %q", want, output)
		}
	}
}

func TestRequestLogger_StatusLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusNotFound, "level=WARN"},
		{http.StatusInternalServerError, "level=ERROR"},
	}
	for _, tt := range tests {
		buf := captureLogs(t)
		wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
		if !strings.Contains(buf.String(), tt.level) {
			t.Errorf("status %d: expected %s, got %q", tt.status, tt.level, buf.String())
		}
	}
}

func TestRequestID(t *testing.T) {
	captureLogs(t)
	var seen string
	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if len(seen) != 8 {
		t.Errorf("expected a generated 8-char request ID, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Error("expected the request ID to be echoed")
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "caller-42")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "caller-42" {
		t.Errorf("expected the caller's request ID, got %q", seen)
	}
}
