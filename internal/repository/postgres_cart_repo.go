package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/storefront/internal/model"
)

// PostgresCartRepo はPostgreSQLを使用したカートリポジトリ。
type PostgresCartRepo struct {
	db *sql.DB
}

// NewPostgresCartRepo はPostgresCartRepoを生成する。
func NewPostgresCartRepo(db *sql.DB) *PostgresCartRepo {
	return &PostgresCartRepo{db: db}
}

// ListLines はカート行を現在の商品情報と結合し、挿入順で返す。
func (r *PostgresCartRepo) ListLines(ctx context.Context, userID string) ([]model.CartLine, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.description, p.price, p.category, p.is_featured, p.created_at, p.updated_at,
		        c.quantity
		 FROM cart_items c
		 JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1
		 ORDER BY c.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart lines: %w", err)
	}
	defer rows.Close()

	lines := make([]model.CartLine, 0)
	for rows.Next() {
		p := &model.Product{}
		var qty int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category, &p.IsFeatured,
			&p.CreatedAt, &p.UpdatedAt, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		lines = append(lines, model.CartLine{Product: p, Quantity: qty})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cart lines: %w", err)
	}
	return lines, nil
}

// Increment は商品がカートにあれば数量を1増やし、なければ数量1で末尾に追加する。
// 同時に同じ商品が追加された場合も一意制約とON CONFLICTで1行に集約される。
func (r *PostgresCartRepo) Increment(ctx context.Context, userID, productID string) (*model.CartItem, error) {
	item := &model.CartItem{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO cart_items (user_id, product_id, quantity)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + 1
		 RETURNING id, user_id, product_id, quantity`,
		userID, productID,
	).Scan(&item.Position, &item.UserID, &item.ProductID, &item.Quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to increment cart item: %w", err)
	}
	return item, nil
}

// SetQuantity は数量を更新する。対象行が存在しない場合はfalseを返す。
func (r *PostgresCartRepo) SetQuantity(ctx context.Context, userID, productID string, quantity int) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE cart_items SET quantity = $3 WHERE user_id = $1 AND product_id = $2`,
		userID, productID, quantity,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update cart quantity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Remove はカートから商品を削除する。存在しない場合も成功する。
func (r *PostgresCartRepo) Remove(ctx context.Context, userID, productID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`,
		userID, productID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove cart item: %w", err)
	}
	return nil
}

// Clear はカートを空にする。
func (r *PostgresCartRepo) Clear(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CartRepository = (*PostgresCartRepo)(nil)
