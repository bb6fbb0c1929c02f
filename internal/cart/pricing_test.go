package cart

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/model"
)

func line(price string, qty int) model.CartLine {
	return model.CartLine{
		Product:  &model.Product{ID: price, Price: decimal.RequireFromString(price)},
		Quantity: qty,
	}
}

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func coupon(percent int, expiresIn time.Duration) *model.Coupon {
	return &model.Coupon{
		Code:            "TEST",
		DiscountPercent: percent,
		ExpiresAt:       testNow.Add(expiresIn),
		IsActive:        true,
	}
}

// TestComputeTotal_CouponScenario は 100×2 + 50×1 に10%クーポンを適用すると225になることを検証する。
func TestComputeTotal_CouponScenario(t *testing.T) {
	lines := []model.CartLine{line("100", 2), line("50", 1)}

	subtotal := ComputeSubtotal(lines)
	if !subtotal.Equal(decimal.NewFromInt(250)) {
		t.Errorf("subtotal = %s, want 250", subtotal)
	}

	total := ComputeTotal(lines, coupon(10, time.Hour), testNow)
	if !total.Equal(decimal.NewFromInt(225)) {
		t.Errorf("total = %s, want 225", total)
	}

	totals := ComputeTotals(lines, coupon(10, time.Hour), testNow)
	if !totals.Discount.Equal(decimal.NewFromInt(25)) {
		t.Errorf("discount = %s, want 25", totals.Discount)
	}
}

func TestComputeTotal_CouponNotApplied(t *testing.T) {
	lines := []model.CartLine{line("100", 2), line("50", 1)}
	want := decimal.NewFromInt(250)

	inactive := coupon(10, time.Hour)
	inactive.IsActive = false

	tests := []struct {
		name   string
		coupon *model.Coupon
	}{
		{"クーポンなし", nil},
		{"期限切れ", coupon(10, -time.Second)},
		{"期限ちょうど", coupon(10, 0)},
		{"無効化済み", inactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotal(lines, tt.coupon, testNow)
			if !got.Equal(want) {
				t.Errorf("total = %s, want %s", got, want)
			}
		})
	}
}

func TestComputeTotal_EdgeCases(t *testing.T) {
	t.Run("空カート", func(t *testing.T) {
		if got := ComputeTotal(nil, coupon(50, time.Hour), testNow); !got.IsZero() {
			t.Errorf("total = %s, want 0", got)
		}
	})

	t.Run("100%割引", func(t *testing.T) {
		got := ComputeTotal([]model.CartLine{line("19.99", 3)}, coupon(100, time.Hour), testNow)
		if !got.IsZero() {
			t.Errorf("total = %s, want 0", got)
		}
	})

	t.Run("0%割引", func(t *testing.T) {
		got := ComputeTotal([]model.CartLine{line("19.99", 3)}, coupon(0, time.Hour), testNow)
		if !got.Equal(decimal.RequireFromString("59.97")) {
			t.Errorf("total = %s, want 59.97", got)
		}
	})

	t.Run("小数第2位に丸める", func(t *testing.T) {
		// 0.99 × 1 × 0.85 = 0.8415
		got := ComputeTotal([]model.CartLine{line("0.99", 1)}, coupon(15, time.Hour), testNow)
		if !got.Equal(decimal.RequireFromString("0.84")) {
			t.Errorf("total = %s, want 0.84", got)
		}
	})
}

// TestComputeTotal_Properties はランダムなカートで 0 <= total <= subtotal が常に成り立つことを検証する。
func TestComputeTotal_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		var lines []model.CartLine
		for j := 0; j < rng.Intn(6); j++ {
			cents := rng.Int63n(100000)
			lines = append(lines, model.CartLine{
				Product:  &model.Product{Price: decimal.New(cents, -2)},
				Quantity: 1 + rng.Intn(10),
			})
		}

		var c *model.Coupon
		if rng.Intn(2) == 0 {
			c = coupon(rng.Intn(101), time.Duration(rng.Intn(3)-1)*time.Hour)
		}

		totals := ComputeTotals(lines, c, testNow)

		if totals.Total.IsNegative() {
			t.Fatalf("case %d: total %s is negative", i, totals.Total)
		}
		if totals.Total.GreaterThan(totals.Subtotal) {
			t.Fatalf("case %d: total %s exceeds subtotal %s", i, totals.Total, totals.Subtotal)
		}
		if !totals.Subtotal.Sub(totals.Discount).Equal(totals.Total) {
			t.Fatalf("case %d: subtotal - discount != total", i)
		}
		if !c.IsUsable(testNow) && !totals.Total.Equal(totals.Subtotal) {
			t.Fatalf("case %d: unusable coupon changed total", i)
		}
	}
}
