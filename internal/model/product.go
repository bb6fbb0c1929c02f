package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product はカタログ上の商品を表す。Priceは0以上。
type Product struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	Category    string
	IsFeatured  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CartItem はユーザーのカートの1行を表す。Quantityは常に1以上。
// Positionは挿入順で、カートの並び順を決める。
type CartItem struct {
	UserID    string
	ProductID string
	Quantity  int
	Position  int64
}

// CartLine は現在の商品価格と結合したカート行。
type CartLine struct {
	Product  *Product
	Quantity int
}
