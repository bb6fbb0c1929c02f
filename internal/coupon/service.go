// Package coupon はクーポンの検証・適用・発行を提供する。
package coupon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
)

// rewardCodePrefix は購入特典クーポンのコード接頭辞。
const rewardCodePrefix = "GIFT"

// RewardPolicy は購入特典クーポンの発行条件。
type RewardPolicy struct {
	Threshold       decimal.Decimal // この金額以上の購入で発行する
	DiscountPercent int
	Validity        time.Duration
}

// DefaultRewardPolicy は 200 以上の購入で30日間有効な10%クーポンを発行する。
var DefaultRewardPolicy = RewardPolicy{
	Threshold:       decimal.NewFromInt(200),
	DiscountPercent: 10,
	Validity:        30 * 24 * time.Hour,
}

// Service はクーポン操作のビジネスロジックを提供する。
type Service struct {
	couponRepo repository.CouponRepository
	applied    repository.AppliedCouponStore
	reward     RewardPolicy
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(couponRepo repository.CouponRepository, applied repository.AppliedCouponStore, reward RewardPolicy) *Service {
	return &Service{
		couponRepo: couponRepo,
		applied:    applied,
		reward:     reward,
		now:        time.Now,
	}
}

// GetCoupon はユーザーが現在使用できるクーポンを返す。無い場合はnilを返す。
func (s *Service) GetCoupon(ctx context.Context, userID string) (*model.Coupon, error) {
	c, err := s.couponRepo.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active coupon: %w", err)
	}
	if !c.IsUsable(s.now()) {
		return nil, nil
	}
	return c, nil
}

// ValidateCoupon はクーポンを適用せずに検証する。
func (s *Service) ValidateCoupon(ctx context.Context, userID, code string) (*model.Coupon, error) {
	return s.lookup(ctx, userID, code)
}

// ApplyCoupon はクーポンを検証し、カートの金額計算に使うクーポンとして記録する。
// 同じコードの再適用は何も変えない。
func (s *Service) ApplyCoupon(ctx context.Context, userID, code string) (*model.Coupon, error) {
	c, err := s.lookup(ctx, userID, code)
	if err != nil {
		return nil, err
	}

	ttl := c.ExpiresAt.Sub(s.now())
	if err := s.applied.Set(ctx, userID, c.Code, ttl); err != nil {
		return nil, fmt.Errorf("failed to store applied coupon: %w", err)
	}

	slog.Info("coupon applied",
		slog.String("user_id", userID),
		slog.String("code", c.Code),
		slog.Int("discount_percent", c.DiscountPercent),
	)
	return c, nil
}

// RemoveCoupon は適用中のクーポンを解除する。未適用でも成功する。
func (s *Service) RemoveCoupon(ctx context.Context, userID string) error {
	if err := s.applied.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to remove applied coupon: %w", err)
	}
	return nil
}

// AppliedCoupon は適用中のクーポンをDBで再検証して返す。
// 消費・失効済みの場合は適用記録を消してnilを返す。
func (s *Service) AppliedCoupon(ctx context.Context, userID string) (*model.Coupon, error) {
	code, err := s.applied.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied coupon: %w", err)
	}
	if code == "" {
		return nil, nil
	}

	c, err := s.couponRepo.FindByCode(ctx, userID, code)
	if err != nil {
		return nil, fmt.Errorf("failed to find coupon: %w", err)
	}
	if !c.IsUsable(s.now()) {
		if err := s.applied.Delete(ctx, userID); err != nil {
			slog.Warn("failed to clear stale applied coupon",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil
	}
	return c, nil
}

// ResolveForCheckout は決済に使うクーポンを返す。
// codeが指定されていればそれを検証し、空なら適用中のクーポンを使う。
func (s *Service) ResolveForCheckout(ctx context.Context, userID, code string) (*model.Coupon, error) {
	if strings.TrimSpace(code) == "" {
		return s.AppliedCoupon(ctx, userID)
	}
	return s.lookup(ctx, userID, code)
}

// IssueReward は購入金額が閾値以上の場合に特典クーポンを発行する。
// 既存のクーポンは置き換えられる。閾値未満の場合はnilを返す。
func (s *Service) IssueReward(ctx context.Context, userID string, purchaseTotal decimal.Decimal) (*model.Coupon, error) {
	if purchaseTotal.LessThan(s.reward.Threshold) {
		return nil, nil
	}

	now := s.now()
	c, err := model.NewCoupon(uuid.New().String(), newRewardCode(), userID, s.reward.DiscountPercent, now.Add(s.reward.Validity))
	if err != nil {
		return nil, err
	}
	c.CreatedAt = now

	if err := s.couponRepo.ReplaceForUser(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to issue reward coupon: %w", err)
	}

	slog.Info("reward coupon issued",
		slog.String("user_id", userID),
		slog.String("code", c.Code),
		slog.String("purchase_total", purchaseTotal.StringFixed(2)),
	)
	return c, nil
}

func (s *Service) lookup(ctx context.Context, userID, code string) (*model.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, model.NewValidationError("クーポンコードは必須です。")
	}

	c, err := s.couponRepo.FindByCode(ctx, userID, code)
	if err != nil {
		return nil, fmt.Errorf("failed to find coupon: %w", err)
	}
	if c == nil || !c.IsActive {
		return nil, model.NewCouponNotFoundError()
	}

	if c.IsExpired(s.now()) {
		if err := s.couponRepo.Deactivate(ctx, c.ID); err != nil {
			slog.Warn("failed to deactivate expired coupon",
				slog.String("coupon_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, model.NewCouponExpiredError()
	}
	return c, nil
}

// newRewardCode は GIFT + 英数字6文字 のコードを生成する。
func newRewardCode() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return rewardCodePrefix + strings.ToUpper(id[:6])
}
