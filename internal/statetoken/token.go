// Package statetoken はOAuthフローのCSRF stateトークンを管理する。
//
// トークンはブラウザごとのフローキー（owner）と用途（login / connect）の組で保持し、
// 値そのものではなくSHA-256ダイジェストのみを保存する。
// 状態遷移は pending → in_progress → processed で、pendingからの遷移はアトミックに行う。
package statetoken

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/accountlink/internal/security"
)

// Purpose はトークンの用途。用途ごとに独立した名前空間を持つ。
type Purpose string

const (
	PurposeLogin   Purpose = "login"
	PurposeConnect Purpose = "connect"
)

// Valid は既知の用途かを返す。
func (p Purpose) Valid() bool {
	return p == PurposeLogin || p == PurposeConnect
}

// Status はトークンの状態。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
)

// Result はValidateの結果。
type Result int

const (
	// Mismatch は値が一致しない、または有効なトークンが存在しないことを表す。
	Mismatch Result = iota
	// Valid は初回の一致。トークンはin_progressに遷移済み。
	Valid
	// InProgress は同じトークンが処理中であることを表す。重複呼び出しとして扱う。
	InProgress
	// AlreadyProcessed は同じトークンが処理済みであることを表す。重複呼び出しとして扱う。
	AlreadyProcessed
)

// String はメトリクスのラベルとログに使う文字列を返す。
func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case InProgress:
		return "in_progress"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "mismatch"
	}
}

// IsDuplicate は重複呼び出しとして静かに終了すべき結果かを返す。
func (r Result) IsDuplicate() bool {
	return r == InProgress || r == AlreadyProcessed
}

// DefaultTTL はトークンの既定の有効期間。
const DefaultTTL = 10 * time.Minute

// valueBytes はトークン値の乱数バイト数（256bit）。
const valueBytes = 32

// ErrInvalidKey はownerまたはpurposeが不正であることを表す。
var ErrInvalidKey = errors.New("statetoken: owner and a known purpose are required")

// Token は発行されたトークン。Valueはリダイレクトに埋め込む生の値で、保存はされない。
type Token struct {
	Purpose   Purpose
	Value     string
	Status    Status
	ExpiresAt time.Time
}

// Store はstateトークンの保存先。
type Store interface {
	// Issue は新しいトークンを発行する。同じowner・purposeの既存トークンは置き換える。
	Issue(ctx context.Context, owner string, purpose Purpose) (*Token, error)

	// Validate はcandidateを保存済みトークンと照合する。
	// 初回一致時にpending → in_progressへアトミックに遷移してValidを返す。
	// 一致しない場合、保存済みトークンがpendingなら削除する。
	Validate(ctx context.Context, owner string, purpose Purpose, candidate string) (Result, error)

	// MarkProcessed はvalueに一致するトークンをprocessedにする。
	// 処理済みの記録は有効期限まで残り、重複呼び出しの判定に使われる。
	MarkProcessed(ctx context.Context, owner string, purpose Purpose, value string) error

	// Clear はpendingのトークンを削除する。処理中・処理済みのトークンには影響しない。
	Clear(ctx context.Context, owner string, purpose Purpose) error

	// PurgeExpired は期限切れのトークンを削除し、削除件数を返す。
	PurgeExpired(ctx context.Context) (int, error)
}

// newValue はトークン値とそのダイジェストを生成する。
func newValue() (string, [sha256.Size]byte, error) {
	value, err := security.RandomToken(valueBytes)
	if err != nil {
		return "", [sha256.Size]byte{}, fmt.Errorf("failed to generate state token: %w", err)
	}
	return value, digest(value), nil
}

func digest(value string) [sha256.Size]byte {
	return sha256.Sum256([]byte(value))
}

func digestEqual(a, b [sha256.Size]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func checkKey(owner string, purpose Purpose) error {
	if owner == "" || !purpose.Valid() {
		return ErrInvalidKey
	}
	return nil
}
