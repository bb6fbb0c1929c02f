package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, in auth.SignupInput) (*model.User, *auth.TokenPair, error)
	Login(ctx context.Context, email, password string) (*model.User, *auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Profile(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はサインアップ・ログイン・トークン更新のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

type signupRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。パスワードハッシュは含めない。
type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Role:  string(u.Role),
	}
}

// Signup はユーザー登録を処理する。
// POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, pair, err := h.service.Signup(r.Context(), auth.SignupInput{
		Name:            req.Name,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, pair, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// Logout はリフレッシュトークンを失効させ、Cookieを削除する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.RefreshTokenCookie); err == nil {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			// 失効に失敗してもCookieはクリアする
			h.clearTokenCookies(w)
			handleServiceError(w, err)
			return
		}
	}

	h.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "ログアウトしました。"})
}

// RefreshToken はリフレッシュトークンをローテーションし、新しいトークンをCookieに設定する。
// POST /api/auth/refresh-token
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.RefreshTokenCookie)
	if err != nil || cookie.Value == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
		return
	}

	pair, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		if mapStatus(err) == http.StatusUnauthorized {
			h.clearTokenCookies(w)
		}
		handleServiceError(w, err)
		return
	}

	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]string{"message": "トークンを更新しました。"})
}

// Profile は認証済みユーザーの情報を返す。
// GET /api/auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		writeJSON(w, http.StatusOK, toUserResponse(user))
		return
	}

	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	user, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, pair *auth.TokenPair) {
	now := h.now()
	h.setCookie(w, middleware.AccessTokenCookie, pair.AccessToken, int(pair.AccessExpiresAt.Sub(now).Seconds()))
	h.setCookie(w, middleware.RefreshTokenCookie, pair.RefreshToken, int(pair.RefreshExpiresAt.Sub(now).Seconds()))
}

func (h *AuthHandler) clearTokenCookies(w http.ResponseWriter) {
	h.setCookie(w, middleware.AccessTokenCookie, "", -1)
	h.setCookie(w, middleware.RefreshTokenCookie, "", -1)
}

// setCookie はトークン用Cookieを設定する。JavaScriptから読めないようHttpOnlyにする。
func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	if maxAge == 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
