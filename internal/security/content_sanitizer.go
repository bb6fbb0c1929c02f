// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は管理者が登録する商品テキストをサニタイズし、
// 商品ページを閲覧するユーザーをXSSから保護する。
// bluemondayの許可リストポリシーで、安全なタグのみを通過させる。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は商品テキストのサニタイズ機能のインターフェースを定義する。
// 商品の保存前に使用される。
type ContentSanitizerService interface {
	// SanitizeText は全てのタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 商品名やカテゴリに使用する。
	SanitizeText(raw string) string

	// SanitizeDescription は説明文用の簡易な書式タグ
	// （p, br, ul, ol, li, strong, em）のみを通過させる。
	// script, iframe, styleタグおよびon*イベント属性は除去される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeDescription(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// ポリシーは生成後に変更しないためスレッドセーフ。
type contentSanitizer struct {
	text        *bluemonday.Policy
	description *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	desc := bluemonday.NewPolicy()
	// 許可リストに無いタグと属性は自動的に除去される
	desc.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em",
	)

	return &contentSanitizer{
		text:        bluemonday.StrictPolicy(),
		description: desc,
	}
}

// SanitizeText はタグを全て除去したテキストを返す。
func (s *contentSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(s.text.Sanitize(raw))
}

// SanitizeDescription は説明文をサニタイズする。
func (s *contentSanitizer) SanitizeDescription(rawHTML string) string {
	return strings.TrimSpace(s.description.Sanitize(rawHTML))
}
