// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// decodeJSON はリクエストボディをvに読み込む。失敗した場合は400を書き込みfalseを返す。
// ボディが空の場合はエラーにしない。
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// requireUserID は認証済みユーザーIDを返す。未認証の場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapStatus はエラーに対応するHTTPステータスコードを返す。
func mapStatus(err error) int {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return mapAPIErrorToHTTPStatus(apiErr)
	}
	return http.StatusInternalServerError
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidQuantity, model.ErrCodePasswordMismatch,
		model.ErrCodeEmptyCart, model.ErrCodeCouponExpired, model.ErrCodePaymentNotCompleted,
		model.ErrCodeInvalidSignature:
		return http.StatusBadRequest
	case model.ErrCodeTokenInvalid, model.ErrCodeTokenExpired, model.ErrCodeTokenRevoked,
		model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeEmailAlreadyExists, model.ErrCodeCheckoutStateConflict:
		return http.StatusConflict
	case model.ErrCodePaymentProvider:
		return http.StatusBadGateway
	}
	if strings.HasSuffix(apiErr.Code, "_NOT_FOUND") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// money はレスポンス用に金額を数値へ変換する。
func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
