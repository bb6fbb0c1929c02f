package model

import (
	"fmt"
	"time"
)

// Coupon はユーザーに紐づくパーセント割引クーポンを表す。
type Coupon struct {
	ID              string
	Code            string
	DiscountPercent int
	ExpiresAt       time.Time
	UserID          string
	IsActive        bool
	CreatedAt       time.Time
}

// NewCoupon は割引率を検証してクーポンを生成する。
// 割引率は0以上100以下でなければならない。
func NewCoupon(id, code, userID string, discountPercent int, expiresAt time.Time) (*Coupon, error) {
	if discountPercent < 0 || discountPercent > 100 {
		return nil, NewValidationError(fmt.Sprintf("割引率は0から100の範囲で指定してください: %d", discountPercent))
	}
	if code == "" {
		return nil, NewValidationError("クーポンコードは必須です。")
	}
	return &Coupon{
		ID:              id,
		Code:            code,
		DiscountPercent: discountPercent,
		ExpiresAt:       expiresAt,
		UserID:          userID,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}, nil
}

// IsExpired は指定時刻時点で有効期限切れかを返す。
func (c *Coupon) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsUsable は指定時刻時点で割引に使えるかを返す。
func (c *Coupon) IsUsable(now time.Time) bool {
	return c != nil && c.IsActive && !c.IsExpired(now)
}
