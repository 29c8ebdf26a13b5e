package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// minSecretKeyLength はSECRET_KEYに要求する最小文字数。
const minSecretKeyLength = 32

// StateStoreの種類。
const (
	StateStoreMemory = "memory"
	StateStoreRedis  = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Secrets
	SecretKey string // client_secret暗号化キーの導出元

	// Session
	SessionMaxAge int

	// State token
	StateTokenTTL time.Duration
	StateStore    string
	RedisURL      string

	// Google endpoints（テスト・検証環境向けの差し替え）
	GoogleAuthURL     string
	GoogleTokenURL    string
	GoogleUserInfoURL string
	GoogleIssuer      string
	GoogleJWKSURL     string

	// Callback
	CallbackRedirectDelay time.Duration

	// Admin
	AdminEmails []string

	// Worker
	CleanupInterval time.Duration

	// Rate Limit
	RateLimitAuth int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SecretKey = os.Getenv("SECRET_KEY")
	if cfg.SecretKey == "" {
		missing = append(missing, "SECRET_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SecretKey) < minSecretKeyLength {
		return nil, fmt.Errorf("SECRET_KEY must be at least %d characters", minSecretKeyLength)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.StateTokenTTL = getEnvDuration("STATE_TOKEN_TTL", 10*time.Minute)
	cfg.StateStore = strings.ToLower(getEnvString("STATE_STORE", StateStoreMemory))
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.GoogleAuthURL = getEnvString("GOOGLE_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth")
	cfg.GoogleTokenURL = getEnvString("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token")
	cfg.GoogleUserInfoURL = getEnvString("GOOGLE_USERINFO_URL", "https://openidconnect.googleapis.com/v1/userinfo")
	cfg.GoogleIssuer = getEnvString("GOOGLE_ISSUER", "https://accounts.google.com")
	cfg.GoogleJWKSURL = getEnvString("GOOGLE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs")
	cfg.CallbackRedirectDelay = getEnvDuration("CALLBACK_REDIRECT_DELAY", 3*time.Second)
	cfg.AdminEmails = getEnvList("ADMIN_EMAILS")
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	switch cfg.StateStore {
	case StateStoreMemory:
	case StateStoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STATE_STORE=%s", StateStoreRedis)
		}
	default:
		return nil, fmt.Errorf("unknown STATE_STORE %q: want %q or %q", cfg.StateStore, StateStoreMemory, StateStoreRedis)
	}

	return cfg, nil
}

// loadDotEnv は.envファイルを読み込む。ファイルが存在しない場合は何もしない。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
