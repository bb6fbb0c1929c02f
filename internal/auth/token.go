package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
)

// TokenType はトークンの用途を表す。
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenConfig はトークン発行の設定。
// アクセス用とリフレッシュ用で異なる秘密鍵を使う。
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenPair は発行されたアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// tokenClaims はJWTのクレーム。subにユーザーID、jtiに一意ID、typに用途を持つ。
type tokenClaims struct {
	Type TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// TokenObserver はトークン発行・ローテーションの通知先。メトリクス収集に使う。
type TokenObserver interface {
	TokenIssued(kind string)
	TokenRejected(reason string)
}

// TokenService は署名付きアクセストークン・リフレッシュトークンの発行と検証を行う。
// 有効なリフレッシュトークンはユーザーごとに1つだけRefreshTokenStoreに保持する。
type TokenService struct {
	cfg      TokenConfig
	store    repository.RefreshTokenStore
	observer TokenObserver
	now      func() time.Time
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(cfg TokenConfig, store repository.RefreshTokenStore) *TokenService {
	return &TokenService{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// SetObserver は発行・拒否の通知先を設定する。
func (s *TokenService) SetObserver(o TokenObserver) {
	s.observer = o
}

// IssueTokens は新しいトークンの組を発行し、リフレッシュトークンを保存する。
// 既存のリフレッシュトークンは上書きされ、以降は失効扱いになる。
func (s *TokenService) IssueTokens(ctx context.Context, userID string) (*TokenPair, error) {
	pair, err := s.sign(userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, userID, pair.RefreshToken, s.cfg.RefreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	s.notifyIssued("login")
	return pair, nil
}

// VerifyAccess はアクセストークンを検証し、ユーザーIDを返す。
// 失敗時はTOKEN_INVALIDまたはTOKEN_EXPIREDのAPIErrorを返す。
func (s *TokenService) VerifyAccess(token string) (string, error) {
	return s.parse(token, TokenTypeAccess, s.cfg.AccessSecret)
}

// VerifyRefresh はリフレッシュトークンを検証し、ユーザーIDを返す。
// 署名と期限が正しくても、保存されている値と一致しなければTOKEN_REVOKEDを返す。
func (s *TokenService) VerifyRefresh(ctx context.Context, token string) (string, error) {
	userID, err := s.parse(token, TokenTypeRefresh, s.cfg.RefreshSecret)
	if err != nil {
		return "", err
	}

	stored, err := s.store.Find(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load refresh token: %w", err)
	}
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		s.notifyRejected("revoked")
		return "", model.NewTokenRevokedError()
	}

	return userID, nil
}

// Rotate はリフレッシュトークンを検証し、新しいトークンの組を発行する。
// 保存値の置き換えはcompare-and-swapで行い、同じトークンでの並行ローテーションは1つだけ成功する。
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := s.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	pair, err := s.sign(userID)
	if err != nil {
		return nil, err
	}

	swapped, err := s.store.CompareAndSwap(ctx, userID, refreshToken, pair.RefreshToken, s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !swapped {
		slog.Warn("refresh token rotation lost race",
			slog.String("user_id", userID),
		)
		s.notifyRejected("revoked")
		return nil, model.NewTokenRevokedError()
	}

	s.notifyIssued("rotation")
	return pair, nil
}

// Revoke はユーザーのリフレッシュトークンを削除する。
func (s *TokenService) Revoke(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RefreshSubject はリフレッシュトークンの署名のみを検証し、ユーザーIDを返す。
// 期限切れのトークンも受け付ける。ログアウト時の失効処理に使う。
func (s *TokenService) RefreshSubject(token string) (string, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc(s.cfg.RefreshSecret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || claims.Type != TokenTypeRefresh || claims.Subject == "" {
		return "", model.NewTokenInvalidError()
	}
	return claims.Subject, nil
}

func (s *TokenService) sign(userID string) (*TokenPair, error) {
	now := s.now()
	accessExp := now.Add(s.cfg.AccessTTL)
	refreshExp := now.Add(s.cfg.RefreshTTL)

	access, err := s.signOne(userID, TokenTypeAccess, s.cfg.AccessSecret, now, accessExp)
	if err != nil {
		return nil, err
	}
	refresh, err := s.signOne(userID, TokenTypeRefresh, s.cfg.RefreshSecret, now, refreshExp)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) signOne(userID string, typ TokenType, secret string, now, exp time.Time) (string, error) {
	claims := tokenClaims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, nil
}

func (s *TokenService) parse(token string, want TokenType, secret string) (string, error) {
	if token == "" {
		return "", model.NewTokenInvalidError()
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc(secret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		s.notifyRejected("expired")
		return "", model.NewTokenExpiredError()
	}
	if err != nil || claims.Type != want || claims.Subject == "" {
		s.notifyRejected("invalid")
		return "", model.NewTokenInvalidError()
	}

	return claims.Subject, nil
}

func (s *TokenService) keyFunc(secret string) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}
}

func (s *TokenService) notifyIssued(kind string) {
	if s.observer != nil {
		s.observer.TokenIssued(kind)
	}
}

func (s *TokenService) notifyRejected(reason string) {
	if s.observer != nil {
		s.observer.TokenRejected(reason)
	}
}
