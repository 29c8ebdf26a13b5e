package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/accountlink/internal/middleware"
	"github.com/hitoshi/accountlink/internal/statetoken"
)

// HealthChecker はヘルスチェックで疎通を確認する依存。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証フロー
	StateStore     statetoken.Store
	Authorizer     AuthorizationURLBuilder
	Callbacks      CallbackRunnerFactory
	SessionService SessionService
	AuthConfig     AuthHandlerConfig

	// IdP設定
	AuthConfigService AuthConfigService

	// ユーザー
	UserService UserServiceInterface

	// /metrics。nilの場合はルートを登録しない
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS
//	  認証フロー: OptionalSession → RateLimit
//	  管理API:    Session → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.StateStore, deps.Authorizer, deps.Callbacks, deps.SessionService, deps.AuthConfig)
	providerHandler := NewProviderHandler(deps.AuthConfigService)
	userHandler := NewUserHandler(deps.UserService)

	// --- 運用系 ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- 認証フロー ---
	// コールバックの未認証判定はOrchestratorが行うため、セッションは任意とする
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionFinder))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Get("/auth/providers", providerHandler.Providers)
		r.Get("/login/google", authHandler.StartLogin)
		r.Get(LoginCallbackPath, authHandler.LoginCallback)
		r.Get(PopupCallbackPath, authHandler.PopupCallback)
		r.Get("/app/profile/connect/google", authHandler.StartConnect)
		r.Get(ConnectCallbackPath, authHandler.ConnectCallback)

		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/me", authHandler.Me)
	})

	// --- 認証が必要なAPI ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Get("/api/users/me", userHandler.GetMe)

		r.Route("/api/admin/auth-providers/{type}", func(r chi.Router) {
			r.Get("/", providerHandler.Get)
			r.Put("/", providerHandler.Upsert)
			r.Delete("/", providerHandler.Reset)
			r.Post("/toggle", providerHandler.Toggle)
			r.Post("/test", providerHandler.Test)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
