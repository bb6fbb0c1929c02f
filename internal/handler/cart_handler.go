package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storefront/internal/cart"
	"github.com/hitoshi/storefront/internal/model"
)

// CartServiceInterface はカートハンドラーが必要とするサービスインターフェース。
type CartServiceInterface interface {
	GetCart(ctx context.Context, userID string) (*cart.View, error)
	AddItem(ctx context.Context, userID, productID string) (*cart.View, error)
	UpdateQuantity(ctx context.Context, userID, productID string, quantity int) (*cart.View, error)
	RemoveItem(ctx context.Context, userID, productID string) (*cart.View, error)
	ClearCart(ctx context.Context, userID string) error
}

// CartHandler はカート操作のHTTPハンドラー。
type CartHandler struct {
	service CartServiceInterface
}

// NewCartHandler はCartHandlerを生成する。
func NewCartHandler(service CartServiceInterface) *CartHandler {
	return &CartHandler{service: service}
}

type cartItemRequest struct {
	ProductID string `json:"productId"`
}

type updateQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type cartLineResponse struct {
	productResponse
	Quantity  int     `json:"quantity"`
	LineTotal float64 `json:"lineTotal"`
}

// couponResponse はクーポン情報のAPIレスポンス。
type couponResponse struct {
	Code            string    `json:"code"`
	DiscountPercent int       `json:"discountPercentage"`
	ExpiresAt       time.Time `json:"expirationDate"`
}

type cartResponse struct {
	Items    []cartLineResponse `json:"items"`
	Coupon   *couponResponse    `json:"coupon"`
	Subtotal float64            `json:"subtotal"`
	Discount float64            `json:"discount"`
	Total    float64            `json:"total"`
}

func toCouponResponse(c *model.Coupon) *couponResponse {
	if c == nil {
		return nil
	}
	return &couponResponse{
		Code:            c.Code,
		DiscountPercent: c.DiscountPercent,
		ExpiresAt:       c.ExpiresAt,
	}
}

func toCartResponse(v *cart.View) cartResponse {
	items := make([]cartLineResponse, 0, len(v.Items))
	for _, line := range v.Items {
		items = append(items, cartLineResponse{
			productResponse: toProductResponse(line.Product),
			Quantity:        line.Quantity,
			LineTotal:       money(cart.LineTotal(line)),
		})
	}
	return cartResponse{
		Items:    items,
		Coupon:   toCouponResponse(v.Coupon),
		Subtotal: money(v.Subtotal),
		Discount: money(v.Discount),
		Total:    money(v.Total),
	}
}

// GetCart はカートの内容と金額を返す。
// GET /api/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	h.writeView(w, http.StatusOK, func() (*cart.View, error) {
		return h.service.GetCart(r.Context(), userID)
	})
}

// AddItem は商品をカートに追加する。
// POST /api/cart
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req cartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("productIdは必須です。"))
		return
	}
	h.writeView(w, http.StatusOK, func() (*cart.View, error) {
		return h.service.AddItem(r.Context(), userID, req.ProductID)
	})
}

// UpdateQuantity は数量を更新する。0の場合は削除する。
// PUT /api/cart/{productId}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req updateQuantityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("quantityは必須です。"))
		return
	}
	productID := chi.URLParam(r, "productId")
	h.writeView(w, http.StatusOK, func() (*cart.View, error) {
		return h.service.UpdateQuantity(r.Context(), userID, productID, *req.Quantity)
	})
}

// RemoveItem はカートから商品を削除する。
// DELETE /api/cart/{productId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	productID := chi.URLParam(r, "productId")
	h.writeView(w, http.StatusOK, func() (*cart.View, error) {
		return h.service.RemoveItem(r.Context(), userID, productID)
	})
}

// RemoveOrClear はボディにproductIdがあればその商品を、なければカート全体を削除する。
// DELETE /api/cart
func (h *CartHandler) RemoveOrClear(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req cartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ProductID == "" {
		if err := h.service.ClearCart(r.Context(), userID); err != nil {
			handleServiceError(w, err)
			return
		}
	}
	h.writeView(w, http.StatusOK, func() (*cart.View, error) {
		if req.ProductID != "" {
			return h.service.RemoveItem(r.Context(), userID, req.ProductID)
		}
		return h.service.GetCart(r.Context(), userID)
	})
}

func (h *CartHandler) writeView(w http.ResponseWriter, status int, load func() (*cart.View, error)) {
	view, err := load()
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, status, toCartResponse(view))
}
