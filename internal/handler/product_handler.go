package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/product"
)

// ProductServiceInterface は商品ハンドラーが必要とするサービスインターフェース。
type ProductServiceInterface interface {
	ListAll(ctx context.Context) ([]*model.Product, error)
	ListFeatured(ctx context.Context) ([]*model.Product, error)
	ListByCategory(ctx context.Context, category string) ([]*model.Product, error)
	Recommendations(ctx context.Context) ([]*model.Product, error)
	Create(ctx context.Context, in product.CreateInput) (*model.Product, error)
	ToggleFeatured(ctx context.Context, id string) (*model.Product, error)
	Delete(ctx context.Context, id string) error
}

// ProductHandler は商品カタログのHTTPハンドラー。
type ProductHandler struct {
	service ProductServiceInterface
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service ProductServiceInterface) *ProductHandler {
	return &ProductHandler{service: service}
}

type createProductRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
}

// productResponse は商品情報のAPIレスポンス。
type productResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Category    string    `json:"category"`
	IsFeatured  bool      `json:"isFeatured"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       money(p.Price),
		Category:    p.Category,
		IsFeatured:  p.IsFeatured,
		CreatedAt:   p.CreatedAt,
	}
}

func toProductList(products []*model.Product) []productResponse {
	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, toProductResponse(p))
	}
	return resp
}

// ListAll は全商品を返す（管理者用）。
// GET /api/products
func (h *ProductHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, func() ([]*model.Product, error) { return h.service.ListAll(r.Context()) })
}

// ListFeatured はおすすめ商品を返す。
// GET /api/products/featured
func (h *ProductHandler) ListFeatured(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, func() ([]*model.Product, error) { return h.service.ListFeatured(r.Context()) })
}

// ListByCategory はカテゴリ別の商品を返す。
// GET /api/products/category/{category}
func (h *ProductHandler) ListByCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	h.writeList(w, func() ([]*model.Product, error) { return h.service.ListByCategory(r.Context(), category) })
}

// Recommendations はランダムなおすすめ商品を返す。
// GET /api/products/recommendations
func (h *ProductHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, func() ([]*model.Product, error) { return h.service.Recommendations(r.Context()) })
}

// Create は商品を作成する（管理者用）。
// POST /api/products
func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.Create(r.Context(), product.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Category:    req.Category,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toProductResponse(p))
}

// ToggleFeatured はおすすめフラグを反転する（管理者用）。
// PATCH /api/products/{id}
func (h *ProductHandler) ToggleFeatured(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.ToggleFeatured(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

// Delete は商品を削除する（管理者用）。
// DELETE /api/products/{id}
func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProductHandler) writeList(w http.ResponseWriter, list func() ([]*model.Product, error)) {
	products, err := list()
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"products": toProductList(products),
	})
}
