// Package authconfig は管理者が設定する外部IdPの認証設定を管理する。
//
// 管理操作はすべて呼び出しごとに権限を再確認する。
// client_secretは読み取り結果に含めず、交換処理用のLoadForExchangeからのみ取得できる。
package authconfig

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/accountlink/internal/model"
	"github.com/hitoshi/accountlink/internal/repository"
)

// テストレポートで不足項目として返すフィールド名
const (
	FieldClientID     = "clientId"
	FieldClientSecret = "clientSecret"
	FieldRedirectURIs = "redirectUris"
)

// UpsertInput は設定の作成・更新リクエスト。
// ClientSecretが空の場合、既存のシークレットを維持する。
type UpsertInput struct {
	Enabled      bool     `json:"enabled"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	RedirectURIs []string `json:"redirectUris"`
}

// TestReport は設定の検証結果。シークレットの値は含まない。
type TestReport struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

// PublicStatus はログイン画面向けの公開情報。
type PublicStatus struct {
	Enabled    bool `json:"enabled"`
	Configured bool `json:"configured"`
}

// Service は認証設定ストア。
type Service struct {
	repo        repository.AuthProviderConfigRepository
	permissions PermissionChecker
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.AuthProviderConfigRepository, permissions PermissionChecker) *Service {
	return &Service{
		repo:        repo,
		permissions: permissions,
		now:         time.Now,
	}
}

// Get は設定を返す。存在しない場合はnilを返す。
func (s *Service) Get(ctx context.Context, callerID, providerType string) (*model.AuthProviderConfigView, error) {
	if err := s.authorize(ctx, callerID, providerType); err != nil {
		return nil, err
	}

	cfg, err := s.repo.Get(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth config: %w", err)
	}
	if cfg == nil {
		return nil, nil
	}
	return cfg.View(), nil
}

// Upsert は設定を作成または更新する。
// 初回作成時はclientSecretが必須。更新時に空のclientSecretを渡すと既存の値を維持する。
func (s *Service) Upsert(ctx context.Context, callerID, providerType string, in UpsertInput) (*model.AuthProviderConfigView, error) {
	if err := s.authorize(ctx, callerID, providerType); err != nil {
		return nil, err
	}

	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return nil, model.NewValidationError("clientIdは必須です")
	}
	uris, err := normalizeRedirectURIs(in.RedirectURIs)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.Get(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth config: %w", err)
	}

	secret := strings.TrimSpace(in.ClientSecret)
	if secret == "" {
		if existing == nil || existing.ClientSecret == "" {
			return nil, model.NewValidationError("初回設定時はclientSecretが必須です")
		}
		secret = existing.ClientSecret
	}

	cfg := &model.AuthProviderConfig{
		Type:         providerType,
		Enabled:      in.Enabled,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURIs: uris,
		ConfiguredBy: callerID,
		ConfiguredAt: s.now(),
	}
	if err := s.repo.Save(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to save auth config: %w", err)
	}

	slog.Info("auth provider configured",
		slog.String("provider", providerType),
		slog.String("configured_by", callerID),
		slog.Bool("enabled", cfg.Enabled),
		slog.Bool("secret_rotated", in.ClientSecret != ""),
	)
	return cfg.View(), nil
}

// ToggleEnabled は認証情報を変更せずに有効・無効を切り替える。
// 設定が存在しない場合は空のレコードを作成する。
func (s *Service) ToggleEnabled(ctx context.Context, callerID, providerType string, enabled bool) (*model.AuthProviderConfigView, error) {
	if err := s.authorize(ctx, callerID, providerType); err != nil {
		return nil, err
	}

	cfg, err := s.repo.Get(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth config: %w", err)
	}
	if cfg == nil {
		cfg = &model.AuthProviderConfig{Type: providerType, RedirectURIs: []string{}}
	}

	cfg.Enabled = enabled
	cfg.ConfiguredBy = callerID
	cfg.ConfiguredAt = s.now()
	if err := s.repo.Save(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to save auth config: %w", err)
	}

	slog.Info("auth provider toggled",
		slog.String("provider", providerType),
		slog.String("configured_by", callerID),
		slog.Bool("enabled", enabled),
	)
	return cfg.View(), nil
}

// Test は設定の不足項目を返す。
func (s *Service) Test(ctx context.Context, callerID, providerType string) (*TestReport, error) {
	if err := s.authorize(ctx, callerID, providerType); err != nil {
		return nil, err
	}

	cfg, err := s.repo.Get(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth config: %w", err)
	}
	if cfg == nil {
		cfg = &model.AuthProviderConfig{}
	}

	missing := []string{}
	if cfg.ClientID == "" {
		missing = append(missing, FieldClientID)
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, FieldClientSecret)
	}
	if len(cfg.RedirectURIs) == 0 {
		missing = append(missing, FieldRedirectURIs)
	}

	return &TestReport{Valid: len(missing) == 0, Missing: missing}, nil
}

// Reset は設定を削除する。
func (s *Service) Reset(ctx context.Context, callerID, providerType string) error {
	if err := s.authorize(ctx, callerID, providerType); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, providerType); err != nil {
		return fmt.Errorf("failed to delete auth config: %w", err)
	}

	slog.Info("auth provider reset",
		slog.String("provider", providerType),
		slog.String("configured_by", callerID),
	)
	return nil
}

// LoadForExchange はシークレットを含む設定を返す。認可コード交換専用。
// 設定が存在しない場合はnilを返す。
func (s *Service) LoadForExchange(ctx context.Context, providerType string) (*model.AuthProviderConfig, error) {
	cfg, err := s.repo.Get(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth config: %w", err)
	}
	return cfg, nil
}

// PublicStatus はログインボタン表示用に有効状態のみを返す。
func (s *Service) PublicStatus(ctx context.Context, providerType string) (*PublicStatus, error) {
	cfg, err := s.repo.Get(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth config: %w", err)
	}
	if cfg == nil {
		return &PublicStatus{}, nil
	}
	return &PublicStatus{Enabled: cfg.Enabled, Configured: cfg.IsConfigured()}, nil
}

// authorize は未認証、権限不足、未対応のプロバイダー種別の順に検査する。
func (s *Service) authorize(ctx context.Context, callerID, providerType string) error {
	if callerID == "" {
		return model.NewUnauthorizedError()
	}

	ok, err := s.permissions.CanAdministerAuthConfig(ctx, callerID)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !ok {
		slog.Warn("auth config access denied",
			slog.String("user_id", callerID),
			slog.String("provider", providerType),
		)
		return model.NewForbiddenError()
	}

	if providerType != model.ProviderTypeGoogle {
		return model.NewValidationError(fmt.Sprintf("未対応のプロバイダーです: %s", providerType))
	}
	return nil
}

// normalizeRedirectURIs は前後の空白を除去し、各URIが絶対URLであることを検証する。
func normalizeRedirectURIs(uris []string) ([]string, error) {
	out := make([]string, 0, len(uris))
	for _, raw := range uris {
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, model.NewValidationError(fmt.Sprintf("redirectUrisに不正なURLが含まれています: %q", raw))
		}
		out = append(out, raw)
	}
	return out, nil
}
