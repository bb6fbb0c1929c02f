// Package cart はカート操作と金額計算を提供する。
package cart

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/model"
)

var hundred = decimal.NewFromInt(100)

// LineTotal は1行分の 価格×数量 を返す。
func LineTotal(l model.CartLine) decimal.Decimal {
	return l.Product.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ComputeSubtotal は Σ 価格×数量 を返す。
func ComputeSubtotal(lines []model.CartLine) decimal.Decimal {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(LineTotal(l))
	}
	return subtotal
}

// ComputeDiscount はクーポンによる割引額を返す。
// クーポンがnil・無効・期限切れの場合は0。
func ComputeDiscount(subtotal decimal.Decimal, coupon *model.Coupon, now time.Time) decimal.Decimal {
	if !coupon.IsUsable(now) {
		return decimal.Zero
	}
	return subtotal.Mul(decimal.NewFromInt(int64(coupon.DiscountPercent))).Div(hundred).Round(2)
}

// ComputeTotal は割引適用後の合計を返す。結果は小数第2位に丸め、負にならない。
func ComputeTotal(lines []model.CartLine, coupon *model.Coupon, now time.Time) decimal.Decimal {
	subtotal := ComputeSubtotal(lines)
	total := subtotal.Sub(ComputeDiscount(subtotal, coupon, now)).Round(2)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// Totals はカートの金額内訳。
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals は小計・割引・合計をまとめて計算する。
// Total は Subtotal - Discount と一致する。
func ComputeTotals(lines []model.CartLine, coupon *model.Coupon, now time.Time) Totals {
	subtotal := ComputeSubtotal(lines)
	total := ComputeTotal(lines, coupon, now)
	return Totals{
		Subtotal: subtotal,
		Discount: subtotal.Sub(total),
		Total:    total,
	}
}
