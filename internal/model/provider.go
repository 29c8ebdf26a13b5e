package model

import "time"

// ProviderTypeGoogle は現在サポートしている唯一の外部IdP。
const ProviderTypeGoogle = "google"

// AuthProviderConfig は管理者が設定するIdPの認証情報と有効状態を表す。
// プロバイダー種別ごとに1レコード。
// ClientSecretはJSONに出力されない。クライアントへ返す場合はView()を使うこと。
type AuthProviderConfig struct {
	Type         string
	Enabled      bool
	ClientID     string
	ClientSecret string `json:"-"`
	RedirectURIs []string
	ConfiguredBy string
	ConfiguredAt time.Time
}

// IsConfigured はclientIDとclientSecretの両方が設定済みかを返す。
func (c *AuthProviderConfig) IsConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// View はclientSecretを除外した読み取り用の表現を返す。
func (c *AuthProviderConfig) View() *AuthProviderConfigView {
	uris := make([]string, len(c.RedirectURIs))
	copy(uris, c.RedirectURIs)
	return &AuthProviderConfigView{
		Type:            c.Type,
		Enabled:         c.Enabled,
		ClientID:        c.ClientID,
		HasClientSecret: c.ClientSecret != "",
		IsConfigured:    c.IsConfigured(),
		RedirectURIs:    uris,
		ConfiguredBy:    c.ConfiguredBy,
		ConfiguredAt:    c.ConfiguredAt,
	}
}

// AuthProviderConfigView は管理画面に返すIdP設定。シークレットの値は含まない。
type AuthProviderConfigView struct {
	Type            string    `json:"type"`
	Enabled         bool      `json:"enabled"`
	ClientID        string    `json:"clientId"`
	HasClientSecret bool      `json:"hasClientSecret"`
	IsConfigured    bool      `json:"isConfigured"`
	RedirectURIs    []string  `json:"redirectUris"`
	ConfiguredBy    string    `json:"configuredBy,omitempty"`
	ConfiguredAt    time.Time `json:"configuredAt"`
}

// ExternalProfile はIdPによって検証されたユーザー情報を表す。
// 認可コード交換の結果としてのみ生成される。
type ExternalProfile struct {
	Provider       string
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	AvatarURL      string
}
