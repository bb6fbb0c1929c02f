package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/storefront/internal/model"
)

// PostgresCouponRepo はPostgreSQLを使用したクーポンリポジトリ。
type PostgresCouponRepo struct {
	db *sql.DB
}

// NewPostgresCouponRepo はPostgresCouponRepoを生成する。
func NewPostgresCouponRepo(db *sql.DB) *PostgresCouponRepo {
	return &PostgresCouponRepo{db: db}
}

const couponColumns = `id, code, discount_percent, expires_at, user_id, is_active, created_at`

func scanCoupon(row interface{ Scan(...any) error }) (*model.Coupon, error) {
	c := &model.Coupon{}
	if err := row.Scan(&c.ID, &c.Code, &c.DiscountPercent, &c.ExpiresAt, &c.UserID, &c.IsActive, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// FindActiveByUser はユーザーの有効なクーポンを1件返す。見つからない場合はnilを返す。
func (r *PostgresCouponRepo) FindActiveByUser(ctx context.Context, userID string) (*model.Coupon, error) {
	c, err := scanCoupon(r.db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons
		 WHERE user_id = $1 AND is_active = true
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active coupon: %w", err)
	}
	return c, nil
}

// FindByCode はユーザーとコードでクーポンを検索する。見つからない場合はnilを返す。
func (r *PostgresCouponRepo) FindByCode(ctx context.Context, userID, code string) (*model.Coupon, error) {
	c, err := scanCoupon(r.db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE user_id = $1 AND code = $2`,
		userID, code,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find coupon by code: %w", err)
	}
	return c, nil
}

// ReplaceForUser はユーザーの既存クーポンを削除し、新しいクーポンを作成する。
func (r *PostgresCouponRepo) ReplaceForUser(ctx context.Context, c *model.Coupon) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM coupons WHERE user_id = $1`, c.UserID); err != nil {
		return fmt.Errorf("failed to delete existing coupons: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO coupons (id, code, discount_percent, expires_at, user_id, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Code, c.DiscountPercent, c.ExpiresAt, c.UserID, c.IsActive, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert coupon: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Deactivate はクーポンを無効化する。
func (r *PostgresCouponRepo) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE coupons SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate coupon: %w", err)
	}
	return nil
}

// DeactivateExpired はnow時点で期限切れの有効クーポンを無効化し、件数を返す。
func (r *PostgresCouponRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE coupons SET is_active = false WHERE is_active = true AND expires_at <= $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired coupons: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ CouponRepository = (*PostgresCouponRepo)(nil)
