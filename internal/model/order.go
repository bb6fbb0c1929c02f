package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutStatus はチェックアウトの状態を表す。
type CheckoutStatus string

const (
	CheckoutStatusPending        CheckoutStatus = "pending"
	CheckoutStatusSessionCreated CheckoutStatus = "session_created"
	CheckoutStatusConfirmed      CheckoutStatus = "confirmed"
	CheckoutStatusFailed         CheckoutStatus = "failed"
	CheckoutStatusExpired        CheckoutStatus = "expired"
)

var checkoutTransitions = map[CheckoutStatus][]CheckoutStatus{
	CheckoutStatusPending:        {CheckoutStatusSessionCreated, CheckoutStatusFailed, CheckoutStatusExpired},
	CheckoutStatusSessionCreated: {CheckoutStatusConfirmed, CheckoutStatusFailed, CheckoutStatusExpired},
}

// CanTransitionTo は状態遷移が許可されているかを返す。
func (s CheckoutStatus) CanTransitionTo(next CheckoutStatus) bool {
	for _, allowed := range checkoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal は終端状態かを返す。
func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusConfirmed || s == CheckoutStatusFailed || s == CheckoutStatusExpired
}

// CheckoutSession は決済処理の1回分の記録を表す。
// 金額はセッション作成時にサーバー側で再計算した値。
type CheckoutSession struct {
	ID                string
	UserID            string
	Status            CheckoutStatus
	ProviderSessionID string
	CouponCode        string
	Subtotal          decimal.Decimal
	Discount          decimal.Decimal
	Total             decimal.Decimal
	Currency          string
	Items             []OrderItem
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderStatus は注文の状態。
type OrderStatus string

// OrderStatusPaid は決済済みの注文。
const OrderStatusPaid OrderStatus = "paid"

// OrderItem は注文時点の商品情報のスナップショット。
// 後から商品価格が変わっても変更しない。
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

// Order は決済完了した注文を表す。PaymentSessionIDは一意。
type Order struct {
	ID               string
	UserID           string
	Items            []OrderItem
	TotalAmount      decimal.Decimal
	Currency         string
	PaymentSessionID string
	Status           OrderStatus
	CreatedAt        time.Time
}
