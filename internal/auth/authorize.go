package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hitoshi/accountlink/internal/model"
)

// DefaultGoogleAuthURL はGoogleの認可エンドポイント。
const DefaultGoogleAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"

// googleScopes は要求するスコープ。
var googleScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// AuthorizationParams は認可URLに埋め込む呼び出し側の値。
type AuthorizationParams struct {
	RedirectURI string
	State       string
}

// BuildAuthorizationURL はIdP設定から認可URLを生成する。
// 同じ入力に対して常に同じURLを返す。
// 無効化されている、またはclientIDが未設定の場合はProviderDisabledを返す。
// RedirectURIsが設定されている場合、redirectURIはその中に含まれていること。
func BuildAuthorizationURL(authURL string, cfg *model.AuthProviderConfig, params AuthorizationParams) (string, error) {
	if cfg == nil || !cfg.Enabled || cfg.ClientID == "" {
		return "", model.NewProviderDisabledError()
	}
	if params.RedirectURI == "" || params.State == "" {
		return "", model.NewValidationError("redirect_uriとstateは必須です")
	}
	if len(cfg.RedirectURIs) > 0 && !slices.Contains(cfg.RedirectURIs, params.RedirectURI) {
		return "", model.NewValidationError(fmt.Sprintf("登録されていないredirect_uriです: %s", params.RedirectURI))
	}

	oauthCfg := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: params.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		Scopes:      googleScopes,
	}
	return oauthCfg.AuthCodeURL(params.State,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// ConfigLoader はシークレットを含むIdP設定の取得インターフェース。
// authconfig.Serviceが実装する。
type ConfigLoader interface {
	LoadForExchange(ctx context.Context, providerType string) (*model.AuthProviderConfig, error)
}

// Authorizer は現在のIdP設定を読み込んで認可URLを生成する。
type Authorizer struct {
	configs ConfigLoader
	authURL string
}

// NewAuthorizer はAuthorizerを生成する。authURLが空の場合はGoogleの既定値を使う。
func NewAuthorizer(configs ConfigLoader, authURL string) *Authorizer {
	if authURL == "" {
		authURL = DefaultGoogleAuthURL
	}
	return &Authorizer{configs: configs, authURL: authURL}
}

// AuthorizationURL はGoogleの認可URLを返す。
func (a *Authorizer) AuthorizationURL(ctx context.Context, params AuthorizationParams) (string, error) {
	cfg, err := a.configs.LoadForExchange(ctx, model.ProviderTypeGoogle)
	if err != nil {
		return "", fmt.Errorf("failed to load provider config: %w", err)
	}
	return BuildAuthorizationURL(a.authURL, cfg, params)
}
