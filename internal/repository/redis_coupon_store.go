package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const appliedCouponKeyPrefix = "applied_coupon:"

// RedisAppliedCouponStore はRedisを使用した適用中クーポンストア。
type RedisAppliedCouponStore struct {
	client *redis.Client
}

// NewRedisAppliedCouponStore はRedisAppliedCouponStoreを生成する。
func NewRedisAppliedCouponStore(client *redis.Client) *RedisAppliedCouponStore {
	return &RedisAppliedCouponStore{client: client}
}

// Set は適用中のクーポンコードを保存する。ttlはクーポンの残り有効期間。
func (s *RedisAppliedCouponStore) Set(ctx context.Context, userID, code string, ttl time.Duration) error {
	if err := s.client.Set(ctx, appliedCouponKeyPrefix+userID, code, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set applied coupon: %w", err)
	}
	return nil
}

// Get は適用中のコードを返す。存在しない場合は空文字を返す。
func (s *RedisAppliedCouponStore) Get(ctx context.Context, userID string) (string, error) {
	code, err := s.client.Get(ctx, appliedCouponKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get applied coupon: %w", err)
	}
	return code, nil
}

// Delete は適用中のクーポンを解除する。
func (s *RedisAppliedCouponStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, appliedCouponKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to delete applied coupon: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AppliedCouponStore = (*RedisAppliedCouponStore)(nil)
