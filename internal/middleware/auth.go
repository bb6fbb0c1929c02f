// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/storefront/internal/model"
)

const (
	// AccessTokenCookie はアクセストークンを保持するCookieの名前。
	AccessTokenCookie = "access_token"
	// RefreshTokenCookie はリフレッシュトークンを保持するCookieの名前。
	RefreshTokenCookie = "refresh_token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey = contextKey("user_id")
	userContextKey   = contextKey("user")
)

// AccessVerifier はアクセストークンを検証し、ユーザーIDを返す。
type AccessVerifier interface {
	VerifyAccess(token string) (string, error)
}

// UserFinder はユーザーの検索に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// NewAuthMiddleware はCookieまたはBearerヘッダーのアクセストークンを検証し、
// ユーザーをリクエストコンテキストに注入するミドルウェアを返す。
// 期限切れ・不正なトークンには401を返す。リフレッシュはクライアントが行う。
func NewAuthMiddleware(verifier AccessVerifier, users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := accessTokenFromRequest(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
				return
			}

			userID, err := verifier.VerifyAccess(token)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
				return
			}

			user, err := users.FindByID(r.Context(), userID)
			if err != nil {
				slog.Error("failed to find user",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUserNotFoundError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireCapability はユーザーのロールが指定の権限を持つ場合のみ通過させるミドルウェアを返す。
// NewAuthMiddlewareの後に配置する。
func RequireCapability(capability model.Capability) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
				return
			}
			if !user.Role.Can(capability) {
				slog.Warn("forbidden",
					slog.String("user_id", user.ID),
					slog.String("role", string(user.Role)),
					slog.String("capability", string(capability)),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminOnly は商品管理権限を持つユーザーのみ通過させる。
func AdminOnly(next http.Handler) http.Handler {
	return RequireCapability(model.CapabilityManageProducts)(next)
}

func accessTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUser はコンテキストにユーザーとユーザーIDを注入する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	recordUserForLog(ctx, user.ID)
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, userIDContextKey, user.ID)
}

// ContextWithUserID はコンテキストにユーザーIDのみを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
