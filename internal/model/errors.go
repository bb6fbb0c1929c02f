// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, cart, coupon, checkout, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeInvalidQuantity       = "INVALID_QUANTITY"
	ErrCodePasswordMismatch      = "PASSWORD_MISMATCH"
	ErrCodeEmptyCart             = "EMPTY_CART"
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeTokenInvalid          = "TOKEN_INVALID"
	ErrCodeTokenExpired          = "TOKEN_EXPIRED"
	ErrCodeTokenRevoked          = "TOKEN_REVOKED"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeEmailAlreadyExists    = "EMAIL_ALREADY_EXISTS"
	ErrCodeProductNotFound       = "PRODUCT_NOT_FOUND"
	ErrCodeCartItemNotFound      = "CART_ITEM_NOT_FOUND"
	ErrCodeCouponNotFound        = "COUPON_NOT_FOUND"
	ErrCodeCouponExpired         = "COUPON_EXPIRED"
	ErrCodeCheckoutNotFound      = "CHECKOUT_NOT_FOUND"
	ErrCodeCheckoutStateConflict = "CHECKOUT_STATE_CONFLICT"
	ErrCodePaymentNotCompleted   = "PAYMENT_NOT_COMPLETED"
	ErrCodePaymentProvider       = "PAYMENT_PROVIDER_ERROR"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
)

// HasCode はエラーチェーン中にcodeを持つAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidQuantityError は数量が不正な場合のエラーを生成する。
func NewInvalidQuantityError(quantity int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuantity,
		Message:  fmt.Sprintf("無効な数量です: %d", quantity),
		Category: "validation",
		Action:   "数量には0以上の整数を指定してください。0を指定すると商品はカートから削除されます。",
	}
}

// NewPasswordMismatchError は確認用パスワードが一致しない場合のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "パスワードと確認用パスワードが一致しません。",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewEmptyCartError はカートが空のまま決済しようとした場合のエラーを生成する。
func NewEmptyCartError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyCart,
		Message:  "カートが空です。",
		Category: "cart",
		Action:   "商品をカートに追加してから決済してください。",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// メールアドレスの存在有無は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewTokenInvalidError は資格情報が欠落・改ざん・署名不正の場合のエラーを生成する。
func NewTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenInvalid,
		Message:  "認証情報が無効です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewTokenExpiredError は資格情報の有効期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "認証情報の有効期限が切れています。",
		Category: "auth",
		Action:   "トークンを更新するか、ログインし直してください。",
	}
}

// NewTokenRevokedError はリフレッシュトークンが失効済みの場合のエラーを生成する。
func NewTokenRevokedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenRevoked,
		Message:  "リフレッシュトークンは失効しています。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewEmailAlreadyExistsError はメールアドレス重複エラーを生成する。
func NewEmailAlreadyExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewProductNotFoundError は商品未検出エラーを生成する。
func NewProductNotFoundError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProductNotFound,
		Message:  fmt.Sprintf("指定された商品が見つかりません: %s", productID),
		Category: "cart",
		Action:   "商品IDを確認してください。",
	}
}

// NewCartItemNotFoundError はカートに対象商品が無い場合のエラーを生成する。
func NewCartItemNotFoundError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeCartItemNotFound,
		Message:  fmt.Sprintf("カートに指定された商品がありません: %s", productID),
		Category: "cart",
		Action:   "カートの内容を確認してください。",
	}
}

// NewCouponNotFoundError はクーポン未検出または無効の場合のエラーを生成する。
func NewCouponNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeCouponNotFound,
		Message:  "クーポンが見つかりません。",
		Category: "coupon",
		Action:   "クーポンコードを確認してください。",
	}
}

// NewCouponExpiredError はクーポン期限切れエラーを生成する。
func NewCouponExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeCouponExpired,
		Message:  "クーポンの有効期限が切れています。",
		Category: "coupon",
		Action:   "有効なクーポンを使用してください。",
	}
}

// NewCheckoutNotFoundError はチェックアウト未検出エラーを生成する。
func NewCheckoutNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeCheckoutNotFound,
		Message:  fmt.Sprintf("指定された決済セッションが見つかりません: %s", sessionID),
		Category: "checkout",
		Action:   "決済をやり直してください。",
	}
}

// NewCheckoutStateConflictError は状態遷移が許可されていない場合のエラーを生成する。
func NewCheckoutStateConflictError(from, to CheckoutStatus) *APIError {
	return &APIError{
		Code:     ErrCodeCheckoutStateConflict,
		Message:  fmt.Sprintf("決済セッションの状態を %s から %s に変更できません。", from, to),
		Category: "checkout",
		Action:   "決済状況を確認してください。",
	}
}

// NewCouponInCheckoutError はクーポンが別の未完了チェックアウトで使用中の場合のエラーを生成する。
func NewCouponInCheckoutError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeCheckoutStateConflict,
		Message:  fmt.Sprintf("クーポン %s は処理中の別の決済で使用されています。", code),
		Category: "checkout",
		Action:   "進行中の決済を完了するかキャンセルしてから再度お試しください。",
	}
}

// NewPaymentNotCompletedError は決済が完了していない場合のエラーを生成する。
func NewPaymentNotCompletedError() *APIError {
	return &APIError{
		Code:     ErrCodePaymentNotCompleted,
		Message:  "決済が完了していません。",
		Category: "checkout",
		Action:   "決済を完了してから再度お試しください。",
	}
}

// NewPaymentProviderError は決済事業者API呼び出し失敗エラーを生成する。
func NewPaymentProviderError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePaymentProvider,
		Message:  fmt.Sprintf("決済サービスとの通信に失敗しました: %s", reason),
		Category: "checkout",
		Action:   "しばらく待ってから再度お試しください。カートの内容は保持されています。",
	}
}

// NewInvalidSignatureError はWebhook署名の検証失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhook署名が不正です。",
		Category: "validation",
		Action:   "",
	}
}
