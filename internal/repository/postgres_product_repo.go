package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/storefront/internal/model"
)

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

const productColumns = `id, name, description, price, category, is_featured, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*model.Product, error) {
	p := &model.Product{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category, &p.IsFeatured, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresProductRepo) queryProducts(ctx context.Context, query string, args ...any) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := make([]*model.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return products, nil
}

// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find product by ID: %w", err)
	}
	return p, nil
}

// ListAll は全商品を作成日時の降順で返す。
func (r *PostgresProductRepo) ListAll(ctx context.Context) ([]*model.Product, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at DESC`)
}

// ListFeatured はおすすめ商品を返す。
func (r *PostgresProductRepo) ListFeatured(ctx context.Context) ([]*model.Product, error) {
	return r.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products WHERE is_featured = true ORDER BY created_at DESC`)
}

// ListByCategory は指定カテゴリの商品を返す。
func (r *PostgresProductRepo) ListByCategory(ctx context.Context, category string) ([]*model.Product, error) {
	return r.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products WHERE category = $1 ORDER BY created_at DESC`, category)
}

// ListRandom はランダムにlimit件の商品を返す。
func (r *PostgresProductRepo) ListRandom(ctx context.Context, limit int) ([]*model.Product, error) {
	return r.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY random() LIMIT $1`, limit)
}

// Create は商品を作成する。
func (r *PostgresProductRepo) Create(ctx context.Context, p *model.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, name, description, price, category, is_featured, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Description, p.Price, p.Category, p.IsFeatured, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// ToggleFeatured はおすすめフラグを反転し、更新後の商品を返す。見つからない場合はnilを返す。
func (r *PostgresProductRepo) ToggleFeatured(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`UPDATE products SET is_featured = NOT is_featured, updated_at = now()
		 WHERE id = $1
		 RETURNING `+productColumns, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to toggle featured: %w", err)
	}
	return p, nil
}

// Delete は商品を削除する。削除対象が存在しなかった場合はfalseを返す。
// カートの該当行はCASCADE削除される。注文明細はスナップショットのため影響を受けない。
func (r *PostgresProductRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete product: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)
