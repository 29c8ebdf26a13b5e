package authconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/accountlink/internal/model"
)

// UserFinder はユーザー取得のインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// PermissionChecker は「認証設定を管理できるか」を判定する。
// 判定結果をキャッシュしてはならない。
type PermissionChecker interface {
	// CanAdministerAuthConfig は呼び出し元が認証設定の管理権限を持つかを返す。
	// ユーザーが存在しない場合はfalseを返す。
	CanAdministerAuthConfig(ctx context.Context, userID string) (bool, error)
}

// RolePermission はユーザーのロールとADMIN_EMAILSで管理権限を判定する。
// ADMIN_EMAILSはIdPが確認済みのメールアドレスにのみ適用する。
type RolePermission struct {
	users       UserFinder
	adminEmails map[string]struct{}
}

// NewRolePermission はRolePermissionを生成する。
// adminEmailsは大文字小文字を区別せずに比較する。
func NewRolePermission(users UserFinder, adminEmails []string) *RolePermission {
	set := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return &RolePermission{users: users, adminEmails: set}
}

// CanAdministerAuthConfig は呼び出しのたびにユーザーを読み直して判定する。
func (p *RolePermission) CanAdministerAuthConfig(ctx context.Context, userID string) (bool, error) {
	user, err := p.users.FindByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	if user.Role == model.RoleAdmin {
		return true, nil
	}
	if !user.EmailVerified {
		return false, nil
	}
	_, ok := p.adminEmails[strings.ToLower(user.Email)]
	return ok, nil
}

// compile-time interface check
var _ PermissionChecker = (*RolePermission)(nil)
