// Package user はユーザープロフィールの読み取りを提供する。
package user

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/accountlink/internal/model"
	"github.com/hitoshi/accountlink/internal/repository"
)

// LinkedProvider はユーザーに連携済みの外部IdP。
type LinkedProvider struct {
	Provider string    `json:"provider"`
	Email    string    `json:"email"`
	LinkedAt time.Time `json:"linkedAt"`
}

// Profile はプロフィール画面に表示するユーザー情報。
type Profile struct {
	ID        string           `json:"id"`
	Email     string           `json:"email"`
	Name      string           `json:"name"`
	AvatarURL string           `json:"avatarUrl,omitempty"`
	Role      model.Role       `json:"role"`
	Providers []LinkedProvider `json:"providers"`
}

// IsConnected は指定プロバイダーと連携済みかを返す。
func (p *Profile) IsConnected(provider string) bool {
	for _, lp := range p.Providers {
		if lp.Provider == provider {
			return true
		}
	}
	return false
}

// Service はユーザープロフィールのサービス層。
type Service struct {
	userRepo     repository.UserRepository
	identityRepo repository.IdentityRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, identityRepo repository.IdentityRepository) *Service {
	return &Service{
		userRepo:     userRepo,
		identityRepo: identityRepo,
	}
}

// GetProfile はユーザーと連携済みプロバイダーの一覧を返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}

	u, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}

	identities, err := s.identityRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	providers := make([]LinkedProvider, 0, len(identities))
	for _, ident := range identities {
		providers = append(providers, LinkedProvider{
			Provider: ident.Provider,
			Email:    ident.Email,
			LinkedAt: ident.CreatedAt,
		})
	}

	return &Profile{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		Role:      u.Role,
		Providers: providers,
	}, nil
}
