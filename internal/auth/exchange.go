package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hitoshi/accountlink/internal/model"
)

// Googleの既定エンドポイント
const (
	DefaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	DefaultGoogleIssuer      = "https://accounts.google.com"
	DefaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
)

// maxUserInfoBytes はuserinfoレスポンスの読み取り上限。
const maxUserInfoBytes = 1 << 20

// Exchanger は認可コードを検証済みプロフィールに交換する。
type Exchanger interface {
	// Exchange は認可コードを交換する。stateはログ相関用で、検証には使わない。
	Exchange(ctx context.Context, code, state, redirectURI string) (*model.ExternalProfile, error)
}

// GoogleEndpoints はGoogleのエンドポイント。テストではhttptestのURLに差し替える。
type GoogleEndpoints struct {
	TokenURL    string
	UserInfoURL string
	Issuer      string
}

// GoogleExchanger はGoogle OAuth 2.0 / OpenID Connectで認可コードを交換する。
// IdP設定は呼び出しごとに読み込むため、管理画面での変更が即座に反映される。
type GoogleExchanger struct {
	configs    ConfigLoader
	endpoints  GoogleEndpoints
	keySet     oidc.KeySet
	httpClient *http.Client
}

// NewGoogleExchanger はGoogleExchangerを生成する。
// keySetにはoidc.NewRemoteKeySetで生成したJWKSを渡す。
func NewGoogleExchanger(configs ConfigLoader, endpoints GoogleEndpoints, keySet oidc.KeySet, httpClient *http.Client) *GoogleExchanger {
	if endpoints.TokenURL == "" {
		endpoints.TokenURL = DefaultGoogleTokenURL
	}
	if endpoints.UserInfoURL == "" {
		endpoints.UserInfoURL = DefaultGoogleUserInfoURL
	}
	if endpoints.Issuer == "" {
		endpoints.Issuer = DefaultGoogleIssuer
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleExchanger{
		configs:    configs,
		endpoints:  endpoints,
		keySet:     keySet,
		httpClient: httpClient,
	}
}

// googleClaims はID tokenとuserinfoに共通するクレーム。
type googleClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange は認可コードを交換し、ID tokenを検証してプロフィールを返す。
// IdPによる拒否や応答の解析失敗はすべてExchangeFailedとして返し、詳細はログにのみ記録する。
func (e *GoogleExchanger) Exchange(ctx context.Context, code, state, redirectURI string) (*model.ExternalProfile, error) {
	cfg, err := e.configs.LoadForExchange(ctx, model.ProviderTypeGoogle)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}
	if cfg == nil || !cfg.Enabled || !cfg.IsConfigured() {
		return nil, model.NewProviderDisabledError()
	}
	if code == "" {
		return nil, model.NewExchangeFailedError()
	}

	profile, err := e.exchange(ctx, cfg, code, redirectURI)
	if err != nil {
		slog.Warn("google code exchange failed",
			slog.String("error", err.Error()),
			slog.String("redirect_uri", redirectURI),
			slog.Bool("state_present", state != ""),
		)
		return nil, model.NewExchangeFailedError()
	}
	return profile, nil
}

func (e *GoogleExchanger) exchange(ctx context.Context, cfg *model.AuthProviderConfig, code, redirectURI string) (*model.ExternalProfile, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  e.endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: googleScopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	// 1. 認可コードをトークンに交換
	tok, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	// 2. ID tokenが返された場合は署名・issuer・audienceを検証
	var idClaims *googleClaims
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		idClaims, err = e.verifyIDToken(ctx, cfg.ClientID, raw)
		if err != nil {
			return nil, err
		}
	}

	// 3. userinfoで名前とアバターを補完
	info, err := e.fetchUserInfo(ctx, oauthCfg.Client(ctx, tok))
	if err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, errors.New("userinfo response has no sub")
	}
	if idClaims != nil && idClaims.Sub != info.Sub {
		return nil, errors.New("userinfo sub does not match id_token sub")
	}

	claims := mergeClaims(idClaims, info)
	if claims.Email == "" {
		return nil, errors.New("provider returned no email")
	}
	if !claims.EmailVerified {
		return nil, errors.New("provider email is not verified")
	}

	return &model.ExternalProfile{
		Provider:       model.ProviderTypeGoogle,
		ProviderUserID: claims.Sub,
		Email:          claims.Email,
		EmailVerified:  claims.EmailVerified,
		Name:           claims.Name,
		AvatarURL:      claims.Picture,
	}, nil
}

func (e *GoogleExchanger) verifyIDToken(ctx context.Context, clientID, raw string) (*googleClaims, error) {
	if e.keySet == nil {
		return nil, errors.New("id_token received but no key set is configured")
	}
	verifier := oidc.NewVerifier(e.endpoints.Issuer, e.keySet, &oidc.Config{ClientID: clientID})

	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}
	claims.Sub = idToken.Subject
	return &claims, nil
}

func (e *GoogleExchanger) fetchUserInfo(ctx context.Context, client *http.Client) (*googleClaims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info googleClaims
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse userinfo response: %w", err)
	}
	return &info, nil
}

// mergeClaims は検証済みID tokenの値を優先し、欠けている項目をuserinfoで補う。
func mergeClaims(id, info *googleClaims) googleClaims {
	if id == nil {
		return *info
	}
	merged := *id
	if merged.Email == "" {
		merged.Email = info.Email
		merged.EmailVerified = info.EmailVerified
	}
	if merged.Name == "" {
		merged.Name = info.Name
	}
	if merged.Picture == "" {
		merged.Picture = info.Picture
	}
	return merged
}

// compile-time interface check
var _ Exchanger = (*GoogleExchanger)(nil)
