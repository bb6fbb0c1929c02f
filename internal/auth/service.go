// Package auth はパスワード認証とトークン管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
)

// SignupInput はユーザー登録の入力。
// ConfirmPasswordが空の場合は確認を行わない。
type SignupInput struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	tokens   *TokenService
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, tokens *TokenService) *Service {
	return &Service{
		userRepo: userRepo,
		tokens:   tokens,
	}
}

// Signup はユーザーを登録し、トークンを発行する。
func (s *Service) Signup(ctx context.Context, in SignupInput) (*model.User, *TokenPair, error) {
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)

	if name == "" {
		return nil, nil, model.NewValidationError("名前は必須です。")
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, nil, model.NewValidationError("メールアドレスの形式が正しくありません。")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, nil, model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください。", MinPasswordLength))
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return nil, nil, model.NewPasswordMismatchError()
	}

	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, nil, model.NewEmailAlreadyExistsError()
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleCustomer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		// 事前チェックと作成の間に同じメールアドレスで登録された場合
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, nil, model.NewEmailAlreadyExistsError()
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	pair, err := s.tokens.IssueTokens(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("new user signed up",
		slog.String("user_id", user.ID),
	)
	return user, pair, nil
}

// Login はメールアドレスとパスワードを検証し、トークンを発行する。
// 新しいリフレッシュトークンで既存のセッションは失効する。
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, *TokenPair, error) {
	user, err := s.userRepo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	ok, err := CheckPassword(user.PasswordHash, password)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		slog.Info("login failed", slog.String("user_id", user.ID))
		return nil, nil, model.NewInvalidCredentialsError()
	}

	pair, err := s.tokens.IssueTokens(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return user, pair, nil
}

// Logout はリフレッシュトークンを失効させる。
// トークンが無い・不正な場合は何もしない。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	userID, err := s.tokens.RefreshSubject(refreshToken)
	if err != nil {
		return nil
	}

	if err := s.tokens.Revoke(ctx, userID); err != nil {
		return err
	}

	slog.Info("user logged out", slog.String("user_id", userID))
	return nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンの組を返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return s.tokens.Rotate(ctx, refreshToken)
}

// Profile はユーザー情報を返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
