package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/model"
)

const featuredProductsKey = "featured_products"

// cachedProduct はキャッシュ上の商品表現。
type cachedProduct struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	IsFeatured  bool            `json:"isFeatured"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// RedisProductCache はRedisを使用したおすすめ商品キャッシュ。
type RedisProductCache struct {
	client *redis.Client
}

// NewRedisProductCache はRedisProductCacheを生成する。
func NewRedisProductCache(client *redis.Client) *RedisProductCache {
	return &RedisProductCache{client: client}
}

// GetFeatured はキャッシュ済みの一覧を返す。キャッシュが無い場合はfalseを返す。
func (c *RedisProductCache) GetFeatured(ctx context.Context) ([]*model.Product, bool, error) {
	data, err := c.client.Get(ctx, featuredProductsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get featured cache: %w", err)
	}

	var cached []cachedProduct
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false, fmt.Errorf("failed to decode featured cache: %w", err)
	}

	products := make([]*model.Product, 0, len(cached))
	for _, cp := range cached {
		products = append(products, &model.Product{
			ID:          cp.ID,
			Name:        cp.Name,
			Description: cp.Description,
			Price:       cp.Price,
			Category:    cp.Category,
			IsFeatured:  cp.IsFeatured,
			CreatedAt:   cp.CreatedAt,
			UpdatedAt:   cp.UpdatedAt,
		})
	}
	return products, true, nil
}

// SetFeatured は一覧をttl付きでキャッシュする。
func (c *RedisProductCache) SetFeatured(ctx context.Context, products []*model.Product, ttl time.Duration) error {
	cached := make([]cachedProduct, 0, len(products))
	for _, p := range products {
		cached = append(cached, cachedProduct{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Price:       p.Price,
			Category:    p.Category,
			IsFeatured:  p.IsFeatured,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
		})
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to encode featured cache: %w", err)
	}
	if err := c.client.Set(ctx, featuredProductsKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set featured cache: %w", err)
	}
	return nil
}

// InvalidateFeatured はキャッシュを破棄する。
func (c *RedisProductCache) InvalidateFeatured(ctx context.Context) error {
	if err := c.client.Del(ctx, featuredProductsKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate featured cache: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProductCache = (*RedisProductCache)(nil)
