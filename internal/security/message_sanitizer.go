// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer はIdPから受け取ったerror_descriptionなどの外部文字列を、
// 画面に表示できるプレーンテキストへ変換する。
// bluemondayのStrictPolicyで全タグを除去したうえで文字数を制限する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageRunes は表示するメッセージの最大文字数。
const maxMessageRunes = 300

// MessageSanitizer は外部由来メッセージのサニタイズ機能のインターフェース。
type MessageSanitizer interface {
	// Sanitize はHTMLタグを除去したプレーンテキストを返す。
	// 空白は1つにまとめ、最大300文字に切り詰める。
	Sanitize(raw string) string
}

type messageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerを生成する。
func NewMessageSanitizer() MessageSanitizer {
	return &messageSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグを除去したプレーンテキストを返す。
// 出力はHTMLエスケープされていないため、テンプレート側でエスケープすること。
func (s *messageSanitizer) Sanitize(raw string) string {
	// bluemondayはテキストをエスケープして返すので、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > maxMessageRunes {
		runes := []rune(text)
		text = string(runes[:maxMessageRunes]) + "…"
	}
	return text
}
