// Package security は同期エンジンのセキュリティ機能を提供する。
//
// ContentSanitizerService はサーバーから受信した投稿キャプションと
// チャットメッセージをサニタイズし、XSS攻撃などのリスクからユーザーを保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import "github.com/microcosm-cc/bluemonday"

// ContentSanitizerService はコンテンツのサニタイズ機能のインターフェースを定義する。
// 受信イベントと取得したページがエンジン状態に入る前に使用される。
type ContentSanitizerService interface {
	// SanitizeCaption は投稿キャプションのHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, strong, em）のみを通過させ、
	// scriptタグおよびon*イベント属性を除去する。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeCaption(rawHTML string) string

	// SanitizeMessageText はチャットメッセージをプレーンテキスト化する。
	// 全てのタグを除去し、テキストのみを残す。
	SanitizeMessageText(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	captionPolicy *bluemonday.Policy
	textPolicy    *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// キャプション用ポリシーの内容:
//   - 許可タグ: p, br, a, strong, em
//   - aタグ: href属性のみ許可、target="_blank" と rel="noopener noreferrer" を自動付与
//   - 相対URLは不許可
//
// メッセージ用ポリシーはStrictPolicy（全タグ除去）。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")
	p.RequireNoFollowOnLinks(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &contentSanitizer{
		captionPolicy: p,
		textPolicy:    bluemonday.StrictPolicy(),
	}
}

// SanitizeCaption は投稿キャプションのHTMLをサニタイズする。
func (s *contentSanitizer) SanitizeCaption(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.captionPolicy.Sanitize(rawHTML)
}

// SanitizeMessageText はチャットメッセージをプレーンテキスト化する。
func (s *contentSanitizer) SanitizeMessageText(raw string) string {
	if raw == "" {
		return ""
	}
	return s.textPolicy.Sanitize(raw)
}
