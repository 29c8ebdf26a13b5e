package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, oauth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeProviderDisabled      = "PROVIDER_DISABLED"
	ErrCodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	ErrCodeCSRFMismatch          = "CSRF_MISMATCH"
	ErrCodeDuplicateInvocation   = "DUPLICATE_INVOCATION"
	ErrCodeExchangeFailed        = "EXCHANGE_FAILED"
	ErrCodeProviderError         = "PROVIDER_ERROR"
	ErrCodeAlreadyConnected      = "ALREADY_CONNECTED"
	ErrCodeGoogleAccountInUse    = "GOOGLE_ACCOUNT_IN_USE"
	ErrCodeEmailAlreadyExists    = "EMAIL_ALREADY_EXISTS"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// ErrorCode はerrからAPIErrorのコードを取り出す。APIErrorでない場合は空文字列を返す。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者権限を持つアカウントでログインしてください。",
	}
}

// NewValidationError は入力値エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewProviderDisabledError はIdPが無効化されている場合のエラーを生成する。
func NewProviderDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderDisabled,
		Message:  "Googleログインは現在無効になっています。",
		Category: "oauth",
		Action:   "別の方法でログインするか、管理者に問い合わせてください。",
	}
}

// NewProviderNotConfiguredError はIdP設定が存在しない場合のエラーを生成する。
func NewProviderNotConfiguredError(providerType string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderNotConfigured,
		Message:  fmt.Sprintf("認証プロバイダーが設定されていません: %s", providerType),
		Category: "oauth",
		Action:   "管理画面から認証プロバイダーを設定してください。",
	}
}

// NewCSRFMismatchError はstateが一致しない場合のエラーを生成する。
func NewCSRFMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFMismatch,
		Message:  "認証リクエストの検証に失敗しました。",
		Category: "oauth",
		Action:   "最初からやり直してください。",
	}
}

// NewDuplicateInvocationError はコールバックの重複実行を表す。ユーザーには表示しない。
func NewDuplicateInvocationError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateInvocation,
		Message:  "コールバックは既に処理中です。",
		Category: "oauth",
	}
}

// NewExchangeFailedError は認可コード交換の失敗エラーを生成する。
// IdP側のエラー詳細は含めない。
func NewExchangeFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeExchangeFailed,
		Message:  "Googleとの認可コードの交換に失敗しました。",
		Category: "oauth",
		Action:   "もう一度お試しください。",
	}
}

// NewProviderError はIdPがコールバックでエラーを返した場合のエラーを生成する。
// messageはサニタイズ済みのerror_descriptionであること。
func NewProviderError(message string) *APIError {
	if message == "" {
		message = "Googleでの認証がキャンセルされたか、失敗しました。"
	}
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  message,
		Category: "oauth",
		Action:   "もう一度お試しください。",
	}
}

// NewAlreadyConnectedError は既にGoogleアカウントと連携済みの場合のエラーを生成する。
func NewAlreadyConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyConnected,
		Message:  "このアカウントは既にGoogleアカウントと連携しています。",
		Category: "oauth",
		Action:   "プロフィール画面で連携状態を確認してください。",
	}
}

// NewGoogleAccountInUseError はGoogleアカウントが別ユーザーに連携済みの場合のエラーを生成する。
func NewGoogleAccountInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeGoogleAccountInUse,
		Message:  "このGoogleアカウントは既に別のユーザーと連携しています。",
		Category: "oauth",
		Action:   "別のGoogleアカウントを使用してください。",
	}
}

// NewEmailAlreadyExistsError はメールアドレスが別アカウントで使用済みの場合のエラーを生成する。
// 自動的なアカウント統合は行わない。
func NewEmailAlreadyExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyExists,
		Message:  "このメールアドレスのアカウントは既に存在します。",
		Category: "oauth",
		Action:   "元の方法でログインし、プロフィール画面からGoogleアカウントを連携してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録すること。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
