// Package auth はGoogle OAuthによるログインとアカウント連携、セッション管理を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/accountlink/internal/model"
	"github.com/hitoshi/accountlink/internal/repository"
	"github.com/hitoshi/accountlink/internal/security"
)

// sessionIDBytes はセッションIDの乱数バイト数。
const sessionIDBytes = 32

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// LoginResult はログイン結果。
type LoginResult struct {
	User    *model.User
	Session *model.Session
	Created bool // 新規アカウントを作成した場合true
}

// Service は外部プロフィールとローカルアカウントの照合を行う。
// アカウント連携の一意性はDBの一意制約で保証し、競合はエラーコードに変換する。
type Service struct {
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// LoginWithProfile は外部プロフィールでログインし、セッションを発行する。
// 連携済みならそのユーザーとしてログインする。未連携ならユーザーと連携を同時に作成する。
// 同じメールアドレスのユーザーが既に存在する場合は自動統合せずEmailAlreadyExistsを返す。
func (s *Service) LoginWithProfile(ctx context.Context, profile *model.ExternalProfile) (*LoginResult, error) {
	if err := checkProfile(profile); err != nil {
		return nil, err
	}

	user, created, err := s.resolveLoginUser(ctx, profile)
	if err != nil {
		return nil, err
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &LoginResult{User: user, Session: session, Created: created}, nil
}

func (s *Service) resolveLoginUser(ctx context.Context, profile *model.ExternalProfile) (*model.User, bool, error) {
	// 1. 連携済みのユーザーを検索
	user, err := s.findLinkedUser(ctx, profile)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", profile.Provider),
		)
		return user, false, nil
	}

	// 2. 別の方法で登録済みのメールアドレスとは統合しない
	if profile.Email != "" {
		existing, err := s.userRepo.FindByEmail(ctx, profile.Email)
		if err != nil {
			return nil, false, fmt.Errorf("failed to find user by email: %w", err)
		}
		if existing != nil {
			return s.resolveConflict(ctx, profile, model.NewEmailAlreadyExistsError())
		}
	}

	// 3. ユーザーと連携を同一トランザクションで作成
	now := s.now()
	newUser := &model.User{
		ID:            uuid.New().String(),
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Name:          profile.Name,
		AvatarURL:     profile.AvatarURL,
		Role:          model.RoleUser,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         newUser.ID,
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
		Email:          profile.Email,
		CreatedAt:      now,
	}

	err = s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity)
	switch {
	case err == nil:
		slog.Info("new user created",
			slog.String("user_id", newUser.ID),
			slog.String("provider", profile.Provider),
		)
		return newUser, true, nil

	case repository.IsDuplicateOn(err, repository.ConstraintIdentityProviderUser):
		return s.resolveConflict(ctx, profile, fmt.Errorf("identity vanished after duplicate insert: %w", err))

	case repository.IsDuplicateOn(err, repository.ConstraintUserEmail):
		return s.resolveConflict(ctx, profile, model.NewEmailAlreadyExistsError())

	default:
		return nil, false, fmt.Errorf("failed to create user and identity: %w", err)
	}
}

// resolveConflict は作成の競合時に連携を読み直す。
// 同じ外部IDの並行ログインに負けた場合は勝者のユーザーでログインし、
// 連携が存在しなければconflictを返す。
func (s *Service) resolveConflict(ctx context.Context, profile *model.ExternalProfile, conflict error) (*model.User, bool, error) {
	winner, err := s.findLinkedUser(ctx, profile)
	if err != nil {
		return nil, false, err
	}
	if winner != nil {
		return winner, false, nil
	}
	slog.Info("login rejected: email belongs to another account",
		slog.String("provider", profile.Provider),
	)
	return nil, false, conflict
}

// findLinkedUser は外部IDに連携したユーザーを返す。未連携の場合はnilを返す。
func (s *Service) findLinkedUser(ctx context.Context, profile *model.ExternalProfile) (*model.User, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, profile.Provider, profile.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, nil
	}

	user, err := s.userRepo.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find linked user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("linked user %s not found", identity.UserID)
	}
	return user, nil
}

// ConnectProfileToCurrentUser はログイン中のユーザーに外部プロフィールを連携する。
// 検査順: 未認証 → 連携済み → 外部IDの使用中 → メールアドレスの重複。
// 並行して同じ外部IDを連携した場合、一意制約により一方のみが成功する。
func (s *Service) ConnectProfileToCurrentUser(ctx context.Context, currentUserID string, profile *model.ExternalProfile) (*model.Identity, error) {
	if currentUserID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if err := checkProfile(profile); err != nil {
		return nil, err
	}

	current, err := s.userRepo.FindByID(ctx, currentUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find current user: %w", err)
	}
	if current == nil {
		return nil, model.NewUnauthorizedError()
	}

	own, err := s.identRepo.FindByUserAndProvider(ctx, current.ID, profile.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by user: %w", err)
	}
	if own != nil {
		return nil, model.NewAlreadyConnectedError()
	}

	linked, err := s.identRepo.FindByProviderAndProviderUserID(ctx, profile.Provider, profile.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if linked != nil {
		return nil, model.NewGoogleAccountInUseError()
	}

	if profile.Email != "" && !strings.EqualFold(profile.Email, current.Email) {
		other, err := s.userRepo.FindByEmail(ctx, profile.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if other != nil && other.ID != current.ID {
			return nil, model.NewEmailAlreadyExistsError()
		}
	}

	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         current.ID,
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
		Email:          profile.Email,
		CreatedAt:      s.now(),
	}
	err = s.identRepo.Create(ctx, identity)
	switch {
	case err == nil:
	case repository.IsDuplicateOn(err, repository.ConstraintIdentityProviderUser):
		return nil, model.NewGoogleAccountInUseError()
	case repository.IsDuplicateOn(err, repository.ConstraintIdentityUserProvider):
		return nil, model.NewAlreadyConnectedError()
	default:
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	slog.Info("account connected",
		slog.String("user_id", current.ID),
		slog.String("provider", profile.Provider),
	)
	return identity, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
// セッションが無効な場合はUnauthorizedを返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, model.NewUnauthorizedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}

	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := security.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// checkProfile は交換結果として最低限必要な項目を検査する。
// IdPが確認していないメールアドレスはアカウント作成にも連携にも使わない。
func checkProfile(profile *model.ExternalProfile) error {
	if profile == nil || profile.Provider == "" || profile.ProviderUserID == "" {
		return fmt.Errorf("invalid external profile")
	}
	if !profile.EmailVerified {
		slog.Warn("external profile rejected: email not verified",
			slog.String("provider", profile.Provider),
		)
		return model.NewExchangeFailedError()
	}
	return nil
}
