// Package product は商品カタログの参照と管理者向けの商品管理を提供する。
package product

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/security"
)

// RecommendationCount はおすすめ表示でランダムに返す商品数。
const RecommendationCount = 4

// CreateInput は商品作成の入力。
type CreateInput struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Category    string
}

// Service は商品操作のビジネスロジックを提供する。
type Service struct {
	productRepo repository.ProductRepository
	cache       repository.ProductCache
	sanitizer   security.ContentSanitizerService
	cacheTTL    time.Duration
	sfg         singleflight.Group
}

// NewService はServiceを生成する。cacheがnilの場合はキャッシュを使わない。
func NewService(productRepo repository.ProductRepository, cache repository.ProductCache, sanitizer security.ContentSanitizerService, cacheTTL time.Duration) *Service {
	return &Service{
		productRepo: productRepo,
		cache:       cache,
		sanitizer:   sanitizer,
		cacheTTL:    cacheTTL,
	}
}

// ListAll は全商品を返す（管理者用）。
func (s *Service) ListAll(ctx context.Context) ([]*model.Product, error) {
	return s.productRepo.ListAll(ctx)
}

// ListFeatured はおすすめ商品を返す。
// キャッシュミス時の同時リクエストはDBへの問い合わせを1回にまとめる。
func (s *Service) ListFeatured(ctx context.Context) ([]*model.Product, error) {
	if s.cache != nil {
		products, ok, err := s.cache.GetFeatured(ctx)
		if err != nil {
			slog.Warn("featured cache get failed", slog.String("error", err.Error()))
		}
		if ok {
			return products, nil
		}
	}

	v, err, _ := s.sfg.Do("featured", func() (any, error) {
		products, err := s.productRepo.ListFeatured(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list featured products: %w", err)
		}
		if s.cache != nil {
			if err := s.cache.SetFeatured(ctx, products, s.cacheTTL); err != nil {
				slog.Warn("featured cache set failed", slog.String("error", err.Error()))
			}
		}
		return products, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Product), nil
}

// ListByCategory は指定カテゴリの商品を返す。
func (s *Service) ListByCategory(ctx context.Context, category string) ([]*model.Product, error) {
	return s.productRepo.ListByCategory(ctx, s.sanitizer.SanitizeText(category))
}

// Recommendations はランダムに選んだ商品を返す。
func (s *Service) Recommendations(ctx context.Context) ([]*model.Product, error) {
	return s.productRepo.ListRandom(ctx, RecommendationCount)
}

// Create は入力をサニタイズ・検証して商品を作成する。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Product, error) {
	name := s.sanitizer.SanitizeText(in.Name)
	category := s.sanitizer.SanitizeText(in.Category)
	description := s.sanitizer.SanitizeDescription(in.Description)

	if name == "" {
		return nil, model.NewValidationError("商品名は必須です。")
	}
	if category == "" {
		return nil, model.NewValidationError("カテゴリは必須です。")
	}
	if in.Price.IsNegative() {
		return nil, model.NewValidationError("価格は0以上で指定してください。")
	}

	now := time.Now()
	p := &model.Product{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Price:       in.Price.Round(2),
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.productRepo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	slog.Info("product created",
		slog.String("product_id", p.ID),
		slog.String("category", p.Category),
	)
	return p, nil
}

// ToggleFeatured はおすすめフラグを反転する。
func (s *Service) ToggleFeatured(ctx context.Context, id string) (*model.Product, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewProductNotFoundError(id)
	}
	p, err := s.productRepo.ToggleFeatured(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle featured: %w", err)
	}
	if p == nil {
		return nil, model.NewProductNotFoundError(id)
	}
	s.invalidateFeatured(ctx)
	return p, nil
}

// Delete は商品を削除する。
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewProductNotFoundError(id)
	}
	deleted, err := s.productRepo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if !deleted {
		return model.NewProductNotFoundError(id)
	}
	s.invalidateFeatured(ctx)

	slog.Info("product deleted", slog.String("product_id", id))
	return nil
}

func (s *Service) invalidateFeatured(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateFeatured(ctx); err != nil {
		slog.Warn("featured cache invalidation failed", slog.String("error", err.Error()))
	}
}
