package cart

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
)

// CouponResolver はユーザーが適用中のクーポンを返す。
type CouponResolver interface {
	AppliedCoupon(ctx context.Context, userID string) (*model.Coupon, error)
}

// View は現在の商品価格で計算したカートの内容。
type View struct {
	Items  []model.CartLine
	Coupon *model.Coupon
	Totals
}

// Service はカート操作のビジネスロジックを提供する。
type Service struct {
	cartRepo    repository.CartRepository
	productRepo repository.ProductRepository
	coupons     CouponResolver
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(cartRepo repository.CartRepository, productRepo repository.ProductRepository, coupons CouponResolver) *Service {
	return &Service{
		cartRepo:    cartRepo,
		productRepo: productRepo,
		coupons:     coupons,
		now:         time.Now,
	}
}

// AddItem は商品をカートに追加する。既にある場合は数量を1増やす。
func (s *Service) AddItem(ctx context.Context, userID, productID string) (*View, error) {
	if !isProductID(productID) {
		return nil, model.NewProductNotFoundError(productID)
	}
	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	if product == nil {
		return nil, model.NewProductNotFoundError(productID)
	}

	item, err := s.cartRepo.Increment(ctx, userID, productID)
	if err != nil {
		return nil, err
	}

	slog.Debug("cart item added",
		slog.String("user_id", userID),
		slog.String("product_id", productID),
		slog.Int("quantity", item.Quantity),
	)
	return s.GetCart(ctx, userID)
}

// UpdateQuantity はカート内の商品の数量を変更する。
// 0を指定すると削除し、負数はINVALID_QUANTITYを返す。
func (s *Service) UpdateQuantity(ctx context.Context, userID, productID string, quantity int) (*View, error) {
	if quantity < 0 {
		return nil, model.NewInvalidQuantityError(quantity)
	}
	if !isProductID(productID) {
		if quantity == 0 {
			return s.GetCart(ctx, userID)
		}
		return nil, model.NewCartItemNotFoundError(productID)
	}

	if quantity == 0 {
		if err := s.cartRepo.Remove(ctx, userID, productID); err != nil {
			return nil, err
		}
		return s.GetCart(ctx, userID)
	}

	updated, err := s.cartRepo.SetQuantity(ctx, userID, productID, quantity)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, model.NewCartItemNotFoundError(productID)
	}

	return s.GetCart(ctx, userID)
}

// RemoveItem はカートから商品を削除する。カートに無い場合は何もしない。
func (s *Service) RemoveItem(ctx context.Context, userID, productID string) (*View, error) {
	if !isProductID(productID) {
		return s.GetCart(ctx, userID)
	}
	if err := s.cartRepo.Remove(ctx, userID, productID); err != nil {
		return nil, err
	}
	return s.GetCart(ctx, userID)
}

// ClearCart はカートを空にする。
func (s *Service) ClearCart(ctx context.Context, userID string) error {
	return s.cartRepo.Clear(ctx, userID)
}

// GetCart は現在の商品価格と適用中のクーポンでカートを返す。
func (s *Service) GetCart(ctx context.Context, userID string) (*View, error) {
	lines, err := s.cartRepo.ListLines(ctx, userID)
	if err != nil {
		return nil, err
	}

	var coupon *model.Coupon
	if s.coupons != nil {
		coupon, err = s.coupons.AppliedCoupon(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve applied coupon: %w", err)
		}
	}

	return &View{
		Items:  lines,
		Coupon: coupon,
		Totals: ComputeTotals(lines, coupon, s.now()),
	}, nil
}

// isProductID は商品IDとして解釈できる形式かを返す。
// 形式が不正なIDはどの商品にも一致しない。
func isProductID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
