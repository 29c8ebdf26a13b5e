package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// 管理APIと同じ Session -> CSRF の順でchi.Routerに組み込んだ場合の動作を検証する。
func TestRouterIntegration_AdminChain(t *testing.T) {
	r := chi.NewRouter()
	csrfConfig := CSRFConfig{}
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(sessionRepoWith("admin-session", "admin-1")))
		r.Use(NewCSRFMiddleware(csrfConfig))
		r.Get("/api/admin/auth-providers/{type}", func(w http.ResponseWriter, r *http.Request) {})
		r.Put("/api/admin/auth-providers/{type}", func(w http.ResponseWriter, r *http.Request) {
			if userID, _ := UserIDFromContext(r.Context()); userID != "admin-1" {
				t.Errorf("userID = %q, want admin-1", userID)
			}
		})
	})

	tests := []struct {
		name       string
		method     string
		path       string
		session    bool
		csrf       bool
		wantStatus int
	}{
		{"csrf token without session", http.MethodGet, "/api/csrf-token", false, false, http.StatusOK},
		{"GET with session", http.MethodGet, "/api/admin/auth-providers/google", true, false, http.StatusOK},
		{"GET without session", http.MethodGet, "/api/admin/auth-providers/google", false, false, http.StatusUnauthorized},
		{"PUT with session and csrf", http.MethodPut, "/api/admin/auth-providers/google", true, true, http.StatusOK},
		{"PUT without csrf", http.MethodPut, "/api/admin/auth-providers/google", true, false, http.StatusForbidden},
		{"PUT without session checks session first", http.MethodPut, "/api/admin/auth-providers/google", false, true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.session {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "admin-session"})
			}
			if tt.csrf {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "t"})
				req.Header.Set(csrfHeaderName, "t")
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
