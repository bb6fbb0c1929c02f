package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/storefront/internal/model"
)

// PostgresCheckoutRepo はPostgreSQLを使用したチェックアウトセッションリポジトリ。
type PostgresCheckoutRepo struct {
	db *sql.DB
}

// NewPostgresCheckoutRepo はPostgresCheckoutRepoを生成する。
func NewPostgresCheckoutRepo(db *sql.DB) *PostgresCheckoutRepo {
	return &PostgresCheckoutRepo{db: db}
}

const checkoutColumns = `id, user_id, status, provider_session_id, coupon_code, subtotal, discount, total, currency, items, created_at, updated_at`

func scanCheckout(row interface{ Scan(...any) error }) (*model.CheckoutSession, error) {
	s := &model.CheckoutSession{}
	var status string
	var providerSessionID sql.NullString
	var items []byte
	err := row.Scan(&s.ID, &s.UserID, &status, &providerSessionID, &s.CouponCode,
		&s.Subtotal, &s.Discount, &s.Total, &s.Currency, &items, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.CheckoutStatus(status)
	s.ProviderSessionID = providerSessionID.String
	if err := json.Unmarshal(items, &s.Items); err != nil {
		return nil, fmt.Errorf("failed to decode checkout items: %w", err)
	}
	return s, nil
}

// Create はpending状態のチェックアウトを作成する。
// 同じクーポンを使う未完了のチェックアウトが既にある場合はErrDuplicateKeyを返す。
func (r *PostgresCheckoutRepo) Create(ctx context.Context, s *model.CheckoutSession) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return fmt.Errorf("failed to encode checkout items: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO checkout_sessions
		   (id, user_id, status, coupon_code, subtotal, discount, total, currency, items, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.UserID, string(s.Status), s.CouponCode, s.Subtotal, s.Discount, s.Total,
		s.Currency, items, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert checkout session: %w", err)
	}
	return nil
}

// FindByID は指定IDのチェックアウトを取得する。見つからない場合はnilを返す。
func (r *PostgresCheckoutRepo) FindByID(ctx context.Context, id string) (*model.CheckoutSession, error) {
	s, err := scanCheckout(r.db.QueryRowContext(ctx,
		`SELECT `+checkoutColumns+` FROM checkout_sessions WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find checkout session: %w", err)
	}
	return s, nil
}

// FindByProviderSessionID は決済事業者のセッションIDで検索する。見つからない場合はnilを返す。
func (r *PostgresCheckoutRepo) FindByProviderSessionID(ctx context.Context, providerSessionID string) (*model.CheckoutSession, error) {
	s, err := scanCheckout(r.db.QueryRowContext(ctx,
		`SELECT `+checkoutColumns+` FROM checkout_sessions WHERE provider_session_id = $1`, providerSessionID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find checkout session by provider id: %w", err)
	}
	return s, nil
}

// AttachProviderSession は決済事業者のセッションIDを記録し、session_createdに遷移させる。
func (r *PostgresCheckoutRepo) AttachProviderSession(ctx context.Context, id, providerSessionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions
		 SET provider_session_id = $2, status = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, providerSessionID, string(model.CheckoutStatusSessionCreated), string(model.CheckoutStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to attach provider session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateStatus は現在の状態がfromの場合のみtoに遷移させる。
func (r *PostgresCheckoutRepo) UpdateStatus(ctx context.Context, id string, from, to model.CheckoutStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update checkout status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ExpireStale はbefore以前に更新された未完了チェックアウトをexpiredにし、対象のIDを返す。
func (r *PostgresCheckoutRepo) ExpireStale(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE checkout_sessions SET status = $1, updated_at = now()
		 WHERE status = ANY($2) AND updated_at < $3
		 RETURNING id`,
		string(model.CheckoutStatusExpired),
		pq.Array([]string{string(model.CheckoutStatusPending), string(model.CheckoutStatusSessionCreated)}),
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale checkout sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired checkout id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired checkout ids: %w", err)
	}
	return ids, nil
}

// compile-time interface check
var _ CheckoutRepository = (*PostgresCheckoutRepo)(nil)
