package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/accountlink/internal/auth"
	"github.com/hitoshi/accountlink/internal/authconfig"
	"github.com/hitoshi/accountlink/internal/callback"
	"github.com/hitoshi/accountlink/internal/config"
	"github.com/hitoshi/accountlink/internal/database"
	"github.com/hitoshi/accountlink/internal/handler"
	"github.com/hitoshi/accountlink/internal/logger"
	"github.com/hitoshi/accountlink/internal/metrics"
	"github.com/hitoshi/accountlink/internal/middleware"
	"github.com/hitoshi/accountlink/internal/repository"
	"github.com/hitoshi/accountlink/internal/security"
	"github.com/hitoshi/accountlink/internal/statetoken"
	"github.com/hitoshi/accountlink/internal/user"
	"github.com/hitoshi/accountlink/internal/worker/cleanup"
)

// exchangeHTTPTimeout はIdPへのHTTPリクエストのタイムアウト。
const exchangeHTTPTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if w == nil {
		w = os.Stdout
	}

	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	slog.SetDefault(logger.SetupWithLevel(w, logger.ParseLevel(cfg.LogLevel)))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとコンテキストをキャンセルする。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はコマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// ctxがキャンセルされると実行中のモードを終了する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("state_store", cfg.StateStore),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// newStateStore は設定に応じたstateトークンストアを生成する。
// 返されるclose関数は終了時に呼び出す。
func newStateStore(ctx context.Context, cfg *config.Config) (statetoken.Store, func(), error) {
	switch cfg.StateStore {
	case config.StateStoreRedis:
		client, err := statetoken.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("redis state store connected")
		return statetoken.NewRedisStore(client, cfg.StateTokenTTL), func() { client.Close() }, nil
	default:
		return statetoken.NewMemoryStore(cfg.StateTokenTTL), func() {}, nil
	}
}

// server はserveモードで動作するコンポーネント一式。
type server struct {
	handler     http.Handler
	cleanup     *cleanup.CleanupJob
	rateLimiter *middleware.RateLimiter
	closeStates func()
}

func (s *server) Close() {
	s.rateLimiter.Stop()
	s.closeStates()
}

// newServer は全依存関係をワイヤリングし、HTTPハンドラーを構築する。
func newServer(ctx context.Context, cfg *config.Config, db *sql.DB) (*server, error) {
	// 1. リポジトリの初期化
	secretBox, err := security.NewSecretBox(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret box: %w", err)
	}
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	authConfigRepo := repository.NewPostgresAuthConfigRepo(db, secretBox)

	// 2. stateトークンストア
	states, closeStates, err := newStateStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	authConfigService := authconfig.NewService(authConfigRepo, authconfig.NewRolePermission(userRepo, cfg.AdminEmails))
	authorizer := auth.NewAuthorizer(authConfigService, cfg.GoogleAuthURL)

	// JWKSは初回の検証時に取得し、以降はキャッシュされる
	keySet := oidc.NewRemoteKeySet(ctx, cfg.GoogleJWKSURL)
	exchanger := auth.NewGoogleExchanger(authConfigService, auth.GoogleEndpoints{
		TokenURL:    cfg.GoogleTokenURL,
		UserInfoURL: cfg.GoogleUserInfoURL,
		Issuer:      cfg.GoogleIssuer,
	}, keySet, &http.Client{Timeout: exchangeHTTPTimeout})

	authService := auth.NewService(userRepo, identRepo, sessionRepo, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})
	userService := user.NewService(userRepo, identRepo)

	callbacks := callback.NewFactory(callback.Deps{
		States:       states,
		Exchanger:    exchanger,
		Reconciler:   authService,
		Sanitizer:    security.NewMessageSanitizer(),
		Metrics:      collector,
		FailureDelay: cfg.CallbackRedirectDelay,
	})

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitAuth))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		StateStore:     states,
		Authorizer:     authorizer,
		Callbacks:      callbacks,
		SessionService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
			StateTTL:      cfg.StateTokenTTL,
			PopupOrigin:   popupOrigin(cfg),
		},

		AuthConfigService: authConfigService,
		UserService:       userService,
		MetricsHandler:    metrics.Handler(registry),
	})

	return &server{
		handler:     router,
		cleanup:     cleanup.NewCleanupJob(sessionRepo, states, slog.Default()),
		rateLimiter: rateLimiter,
		closeStates: closeStates,
	}, nil
}

// popupOrigin はポップアップの結果を受け取るオリジンを返す。
// フロントエンドがAPIと別オリジンの場合はCORS_ALLOWED_ORIGINを使う。
func popupOrigin(cfg *config.Config) string {
	if cfg.CORSAllowedOrigin != "" && cfg.CORSAllowedOrigin != "*" {
		return cfg.CORSAllowedOrigin
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return cfg.BaseURL
	}
	return u.Scheme + "://" + u.Host
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := newServer(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// メモリ上のstateトークンはこのプロセスでしか削除できないため、serveでもクリーンアップを実行する
	go srv.cleanup.Start(ctx, cfg.CleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションを定期的に削除し、ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// stateトークンはRedisならTTLで、メモリならserveプロセスで削除されるため対象外
	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), nil, slog.Default())

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.CleanupInterval))
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
