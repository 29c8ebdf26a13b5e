// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleAdmin は認証設定を管理できる管理者。
	RoleAdmin Role = "admin"
)

// User はサービス利用ユーザーを表す。
// EmailVerifiedはIdPがメールアドレスの所有を確認済みかどうか。
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
	Role          Role
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Identity は外部IdPとの紐付け情報（アカウントリンク）を表す。
// provider_user_idは1つのローカルアカウントにのみ紐付き、
// 1つのローカルアカウントはプロバイダーごとに最大1件のリンクを持つ。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	Email          string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
