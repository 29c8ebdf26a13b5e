// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/accountlink/internal/model"
)

// ErrDuplicate は一意制約違反を表す。errors.Isで判定すること。
var ErrDuplicate = errors.New("duplicate key")

// 一意制約名。DuplicateError.Constraintと比較する。
const (
	ConstraintIdentityProviderUser = "uq_identities_provider_user"
	ConstraintIdentityUserProvider = "uq_identities_user_provider"
	ConstraintUserEmail            = "uq_users_email"
)

// DuplicateError はどの一意制約に違反したかを保持する。
type DuplicateError struct {
	Constraint string
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate key violates %s", e.Constraint)
}

// Is はErrDuplicateとの比較を可能にする。
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// IsDuplicateOn はerrが指定制約の一意制約違反かを判定する。
func IsDuplicateOn(err error, constraint string) bool {
	var dupErr *DuplicateError
	return errors.As(err, &dupErr) && dupErr.Constraint == constraint
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// 一意制約違反時は*DuplicateErrorを返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// FindByUserAndProvider はユーザーIDとproviderでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Identity, error)

	// ListByUserID はユーザーに紐付く全identityを作成日時順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error)

	// Create はidentityを作成する。
	// (provider, provider_user_id)または(user_id, provider)が重複する場合は*DuplicateErrorを返す。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// AuthProviderConfigRepository はIdP設定の永続化インターフェース。
// client_secretは保存時に暗号化され、取得時に復号される。
type AuthProviderConfigRepository interface {
	// Get はプロバイダー種別の設定を取得する。存在しない場合はnilを返す。
	Get(ctx context.Context, providerType string) (*model.AuthProviderConfig, error)

	// Save は設定をUPSERTする。
	Save(ctx context.Context, config *model.AuthProviderConfig) error

	// Delete は設定を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, providerType string) error
}

// SecretCipher はclient_secretの保存時暗号化インターフェース。
type SecretCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
