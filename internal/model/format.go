package model

import (
	"path/filepath"
	"regexp"
	"strings"
)

// ContentFormat はコンテンツ本文の形式を表す。
type ContentFormat string

const (
	// FormatHTML はHTML形式。
	FormatHTML ContentFormat = "html"
	// FormatMarkdown はMarkdown形式。
	FormatMarkdown ContentFormat = "markdown"
	// FormatText はプレーンテキスト形式。
	FormatText ContentFormat = "text"
)

// FormatFromMediaType はContent-Typeヘッダ値から形式を推定する。
// 未知のメディアタイプは空文字列を返す。
func FormatFromMediaType(contentType string) ContentFormat {
	mt := contentType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "text/html", "application/xhtml+xml":
		return FormatHTML
	case "text/markdown":
		return FormatMarkdown
	case "text/plain":
		return FormatText
	}
	return ""
}

// FormatFromExtension はファイル名の拡張子から形式を推定する。
// 対応しない拡張子は空文字列を返す。
func FormatFromExtension(path string) ContentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return FormatHTML
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt", ".text":
		return FormatText
	}
	return ""
}

var (
	htmlTagPattern      = regexp.MustCompile(`<[a-zA-Z][^>]*>`)
	markdownLinkPattern = regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`)
)

// SniffFormat は本文の形から形式を推定する。
// HTMLタグがあればHTML、Markdownのリンク記法があればMarkdown、
// それ以外はプレーンテキストとみなす。
func SniffFormat(text string) ContentFormat {
	if htmlTagPattern.MatchString(text) {
		return FormatHTML
	}
	if markdownLinkPattern.MatchString(text) {
		return FormatMarkdown
	}
	return FormatText
}
