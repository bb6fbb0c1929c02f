package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/storefront/internal/model"
)

// PostgresOrderRepo はPostgreSQLを使用した注文リポジトリ。
type PostgresOrderRepo struct {
	db *sql.DB
}

// NewPostgresOrderRepo はPostgresOrderRepoを生成する。
func NewPostgresOrderRepo(db *sql.DB) *PostgresOrderRepo {
	return &PostgresOrderRepo{db: db}
}

// queryer は*sql.DBと*sql.Txの共通メソッド。
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const orderColumns = `id, user_id, total_amount, currency, payment_session_id, status, created_at`

func scanOrder(row interface{ Scan(...any) error }) (*model.Order, error) {
	o := &model.Order{}
	var status string
	if err := row.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Currency, &o.PaymentSessionID, &status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return o, nil
}

func loadOrderItems(ctx context.Context, q queryer, orderID string) ([]model.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT product_id, name, unit_price, quantity FROM order_items WHERE order_id = $1 ORDER BY id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	items := make([]model.OrderItem, 0)
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.UnitPrice, &it.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order items: %w", err)
	}
	return items, nil
}

func findOrderByPaymentSessionID(ctx context.Context, q queryer, paymentSessionID string) (*model.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_session_id = $1`, paymentSessionID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by payment session: %w", err)
	}
	items, err := loadOrderItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

// FindByPaymentSessionID は決済セッションIDで注文を検索する。見つからない場合はnilを返す。
func (r *PostgresOrderRepo) FindByPaymentSessionID(ctx context.Context, paymentSessionID string) (*model.Order, error) {
	return findOrderByPaymentSessionID(ctx, r.db, paymentSessionID)
}

// ListByUserID はユーザーの注文を新しい順に返す。
func (r *PostgresOrderRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	orders := make([]*model.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}

	for _, o := range orders {
		items, err := loadOrderItems(ctx, r.db, o.ID)
		if err != nil {
			return nil, err
		}
		o.Items = items
	}
	return orders, nil
}

// CompleteCheckout は注文作成・クーポン消費・購入商品のカート削除・チェックアウト確定を
// 同一トランザクションで行う。
// 同じ決済セッションIDの注文が既にある場合は既存の注文とfalseを返す。
func (r *PostgresOrderRepo) CompleteCheckout(ctx context.Context, c CheckoutCompletion) (*model.Order, bool, error) {
	o := c.Order

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// payment_session_idの一意制約で二重作成を防ぐ。競合した側は何も変更しない。
	var insertedID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (id, user_id, total_amount, currency, payment_session_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (payment_session_id) DO NOTHING
		 RETURNING id`,
		o.ID, o.UserID, o.TotalAmount, o.Currency, o.PaymentSessionID, string(o.Status), o.CreatedAt,
	).Scan(&insertedID)
	if err == sql.ErrNoRows {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, false, fmt.Errorf("failed to rollback transaction: %w", err)
		}
		existing, err := findOrderByPaymentSessionID(ctx, r.db, o.PaymentSessionID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, name, unit_price, quantity)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.ID, it.ProductID, it.Name, it.UnitPrice, it.Quantity,
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	// 消費済みクーポンの削除。既に削除されていても問題ない。
	if c.CouponCode != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM coupons WHERE user_id = $1 AND code = $2`, o.UserID, c.CouponCode,
		); err != nil {
			return nil, false, fmt.Errorf("failed to consume coupon: %w", err)
		}
	}

	// 決済対象の商品だけをカートから外す。セッション作成後に追加された商品は残す。
	productIDs := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		productIDs = append(productIDs, it.ProductID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND product_id = ANY($2::uuid[])`,
		o.UserID, pq.Array(productIDs),
	); err != nil {
		return nil, false, fmt.Errorf("failed to remove purchased cart items: %w", err)
	}

	if c.CheckoutID != "" {
		_, err := tx.ExecContext(ctx,
			`UPDATE checkout_sessions SET status = $2, updated_at = now()
			 WHERE id = $1 AND status <> $2`,
			c.CheckoutID, string(model.CheckoutStatusConfirmed),
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to confirm checkout session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return o, true, nil
}

// compile-time interface check
var _ OrderRepository = (*PostgresOrderRepo)(nil)
