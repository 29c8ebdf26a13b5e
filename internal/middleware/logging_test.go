package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// serveLogged はハンドラーをロギングミドルウェア経由で実行し、出力されたログエントリを返す。
func serveLogged(t *testing.T, req *http.Request, h http.HandlerFunc) (map[string]any, string) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry, buf.String()
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry, _ := serveLogged(t, httptest.NewRequest(http.MethodGet, "/auth/providers", nil),
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["method"] != "GET" || entry["path"] != "/auth/providers" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	if status, _ := entry["status"].(float64); status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("user_id should be omitted for unauthenticated requests")
	}
}

func TestLoggingMiddleware_IncludesUserAndRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), "user-123"))

	var entry map[string]any
	chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, _ = serveLogged(t, r, func(w http.ResponseWriter, r *http.Request) {})
	})).ServeHTTP(httptest.NewRecorder(), req)

	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("expected request_id field")
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusFound, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusTooManyRequests, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			entry, _ := serveLogged(t, httptest.NewRequest(http.MethodGet, "/x", nil),
				func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(tt.status) })

			if status := int(entry["status"].(float64)); status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}

func TestLoggingMiddleware_ImplicitOKOnWrite(t *testing.T) {
	entry, _ := serveLogged(t, httptest.NewRequest(http.MethodGet, "/x", nil),
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hello")) })

	if status := int(entry["status"].(float64)); status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
}

func TestLoggingMiddleware_OmitsQueryString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/login/google/callback?code=secret-code&state=secret-state", nil)
	_, raw := serveLogged(t, req, func(w http.ResponseWriter, r *http.Request) {})

	if strings.Contains(raw, "secret-code") || strings.Contains(raw, "secret-state") {
		t.Errorf("log must not contain the authorization code or state: %s", raw)
	}
}
