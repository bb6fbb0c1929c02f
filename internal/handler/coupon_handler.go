package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/storefront/internal/model"
)

// CouponServiceInterface はクーポンハンドラーが必要とするサービスインターフェース。
type CouponServiceInterface interface {
	GetCoupon(ctx context.Context, userID string) (*model.Coupon, error)
	ValidateCoupon(ctx context.Context, userID, code string) (*model.Coupon, error)
	ApplyCoupon(ctx context.Context, userID, code string) (*model.Coupon, error)
	RemoveCoupon(ctx context.Context, userID string) error
}

// CouponHandler はクーポンのHTTPハンドラー。
type CouponHandler struct {
	service CouponServiceInterface
}

// NewCouponHandler はCouponHandlerを生成する。
func NewCouponHandler(service CouponServiceInterface) *CouponHandler {
	return &CouponHandler{service: service}
}

type couponCodeRequest struct {
	Code string `json:"code"`
}

// GetCoupon はユーザーの有効なクーポンを返す。無い場合はcouponがnull。
// GET /api/coupons
func (h *CouponHandler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	c, err := h.service.GetCoupon(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"coupon": toCouponResponse(c)})
}

// ValidateCoupon はクーポンコードが使用可能かを検証する。
// POST /api/coupons/validate
func (h *CouponHandler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, h.service.ValidateCoupon, "クーポンは有効です。")
}

// ApplyCoupon はクーポンをカートに適用する。
// POST /api/coupons/apply
func (h *CouponHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, h.service.ApplyCoupon, "クーポンを適用しました。")
}

// RemoveCoupon は適用中のクーポンを外す。
// DELETE /api/coupons/apply
func (h *CouponHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveCoupon(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CouponHandler) withCode(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID, code string) (*model.Coupon, error), message string) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req couponCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := op(r.Context(), userID, req.Code)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": message,
		"coupon":  toCouponResponse(c),
	})
}
