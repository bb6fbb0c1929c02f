// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/storefront/internal/model"
)

// ErrDuplicateKey は一意制約違反を表す。
var ErrDuplicateKey = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateKeyを返す。
	Create(ctx context.Context, user *model.User) error
}

// ProductRepository は商品データの永続化インターフェース。
type ProductRepository interface {
	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)

	// ListAll は全商品を作成日時の降順で返す。
	ListAll(ctx context.Context) ([]*model.Product, error)

	// ListFeatured はおすすめ商品を返す。
	ListFeatured(ctx context.Context) ([]*model.Product, error)

	// ListByCategory は指定カテゴリの商品を返す。
	ListByCategory(ctx context.Context, category string) ([]*model.Product, error)

	// ListRandom はランダムにlimit件の商品を返す。
	ListRandom(ctx context.Context, limit int) ([]*model.Product, error)

	// Create は商品を作成する。
	Create(ctx context.Context, product *model.Product) error

	// ToggleFeatured はおすすめフラグを反転し、更新後の商品を返す。見つからない場合はnilを返す。
	ToggleFeatured(ctx context.Context, id string) (*model.Product, error)

	// Delete は商品を削除する。削除対象が存在しなかった場合はfalseを返す。
	Delete(ctx context.Context, id string) (bool, error)
}

// CartRepository はカートデータの永続化インターフェース。
type CartRepository interface {
	// ListLines はカート行を現在の商品情報と結合し、挿入順で返す。
	ListLines(ctx context.Context, userID string) ([]model.CartLine, error)

	// Increment は商品がカートにあれば数量を1増やし、なければ数量1で末尾に追加する。
	Increment(ctx context.Context, userID, productID string) (*model.CartItem, error)

	// SetQuantity は数量を更新する。対象行が存在しない場合はfalseを返す。
	SetQuantity(ctx context.Context, userID, productID string, quantity int) (bool, error)

	// Remove はカートから商品を削除する。存在しない場合も成功する。
	Remove(ctx context.Context, userID, productID string) error

	// Clear はカートを空にする。
	Clear(ctx context.Context, userID string) error
}

// CouponRepository はクーポンデータの永続化インターフェース。
type CouponRepository interface {
	// FindActiveByUser はユーザーの有効なクーポンを1件返す。見つからない場合はnilを返す。
	FindActiveByUser(ctx context.Context, userID string) (*model.Coupon, error)

	// FindByCode はユーザーとコードでクーポンを検索する。is_activeに関わらず返す。見つからない場合はnilを返す。
	FindByCode(ctx context.Context, userID, code string) (*model.Coupon, error)

	// ReplaceForUser はユーザーの既存クーポンを削除し、新しいクーポンを作成する。
	ReplaceForUser(ctx context.Context, coupon *model.Coupon) error

	// Deactivate はクーポンを無効化する。
	Deactivate(ctx context.Context, id string) error

	// DeactivateExpired はnow時点で期限切れの有効クーポンを無効化し、件数を返す。
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// CheckoutRepository はチェックアウトセッションの永続化インターフェース。
type CheckoutRepository interface {
	// Create はpending状態のチェックアウトを作成する。
	// 同じクーポンを使う未完了のチェックアウトが既にある場合はErrDuplicateKeyを返す。
	Create(ctx context.Context, session *model.CheckoutSession) error

	// FindByID は指定IDのチェックアウトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CheckoutSession, error)

	// FindByProviderSessionID は決済事業者のセッションIDで検索する。見つからない場合はnilを返す。
	FindByProviderSessionID(ctx context.Context, providerSessionID string) (*model.CheckoutSession, error)

	// AttachProviderSession は決済事業者のセッションIDを記録し、session_createdに遷移させる。
	// pending以外の状態だった場合はfalseを返す。
	AttachProviderSession(ctx context.Context, id, providerSessionID string) (bool, error)

	// UpdateStatus は現在の状態がfromの場合のみtoに遷移させる。遷移しなかった場合はfalseを返す。
	UpdateStatus(ctx context.Context, id string, from, to model.CheckoutStatus) (bool, error)

	// ExpireStale はbefore以前に更新された未完了チェックアウトをexpiredにし、対象のIDを返す。
	ExpireStale(ctx context.Context, before time.Time) ([]string, error)
}

// CheckoutCompletion は決済確定時に1トランザクションで適用する変更。
type CheckoutCompletion struct {
	Order      *model.Order
	CheckoutID string
	CouponCode string // 空の場合はクーポンを消費しない
}

// OrderRepository は注文データの永続化インターフェース。
type OrderRepository interface {
	// FindByPaymentSessionID は決済セッションIDで注文を検索する。見つからない場合はnilを返す。
	FindByPaymentSessionID(ctx context.Context, paymentSessionID string) (*model.Order, error)

	// ListByUserID はユーザーの注文を新しい順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Order, error)

	// CompleteCheckout は注文作成・クーポン消費・購入商品のカート削除・チェックアウト確定を
	// 同一トランザクションで行う。同じ決済セッションIDの注文が既にある場合は
	// 何も変更せず既存の注文とfalseを返す。
	CompleteCheckout(ctx context.Context, c CheckoutCompletion) (*model.Order, bool, error)
}

// RefreshTokenStore はユーザーごとに有効なリフレッシュトークンを1つ保持する。
type RefreshTokenStore interface {
	// Save はトークンをttl付きで保存する。既存の値は上書きされる。
	Save(ctx context.Context, userID, token string, ttl time.Duration) error

	// Find は保存されているトークンを返す。存在しない場合は空文字を返す。
	Find(ctx context.Context, userID string) (string, error)

	// Delete はトークンを削除する。存在しない場合も成功する。
	Delete(ctx context.Context, userID string) error

	// CompareAndSwap は保存値がoldと一致する場合のみnextに置き換える。
	CompareAndSwap(ctx context.Context, userID, old, next string, ttl time.Duration) (bool, error)
}

// AppliedCouponStore はユーザーがカートに適用中のクーポンコードを保持する。
type AppliedCouponStore interface {
	Set(ctx context.Context, userID, code string, ttl time.Duration) error
	// Get は適用中のコードを返す。存在しない場合は空文字を返す。
	Get(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
}

// ProductCache はおすすめ商品一覧のキャッシュ。
type ProductCache interface {
	// GetFeatured はキャッシュ済みの一覧を返す。キャッシュが無い場合はfalseを返す。
	GetFeatured(ctx context.Context) ([]*model.Product, bool, error)
	SetFeatured(ctx context.Context, products []*model.Product, ttl time.Duration) error
	InvalidateFeatured(ctx context.Context) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
