// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。取り得る値は RoleCustomer と RoleAdmin のみ。
type Role string

const (
	// RoleCustomer は一般購入者。
	RoleCustomer Role = "customer"
	// RoleAdmin は商品管理を行う管理者。
	RoleAdmin Role = "admin"
)

// Capability はロールに付与される操作権限を表す。
type Capability string

const (
	// CapabilityManageProducts は商品の作成・更新・削除、全商品一覧の取得。
	CapabilityManageProducts Capability = "manage_products"
	// CapabilityPurchase はカート操作と決済。
	CapabilityPurchase Capability = "purchase"
)

var roleCapabilities = map[Role][]Capability{
	RoleCustomer: {CapabilityPurchase},
	RoleAdmin:    {CapabilityPurchase, CapabilityManageProducts},
}

// ParseRole は文字列をRoleに変換する。未知の値はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleCustomer, RoleAdmin:
		return Role(s), true
	default:
		return "", false
	}
}

// Can はロールが指定された権限を持つかを返す。
func (r Role) Can(c Capability) bool {
	for _, granted := range roleCapabilities[r] {
		if granted == c {
			return true
		}
	}
	return false
}

// User はサービス利用ユーザーを表す。
// カートはcart_itemsテーブルに保持し、cartパッケージ経由でのみ変更する。
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
