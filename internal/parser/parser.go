// Package parser はコンテンツ本文からのリンク抽出とmicroformats2解析を提供する。
//
// 送信側では本文（プレーンテキスト・Markdown・HTML）から外部リンク候補を抽出し、
// 受信側ではソースページのHTMLからh-entry/h-cardに基づくメンションの
// メタデータ（タイトル・著者・本文・分類）を抽出する。
// どちらも入力のみから決まる純粋な処理で、内部状態を持たない。
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"

	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/security"
)

// Parser はコンテンツ解析器。
// サニタイザを保持する以外は状態を持たず、並行利用できる。
type Parser struct {
	sanitizer security.ContentSanitizerService
	markdown  goldmark.Markdown
}

// New はParserを生成する。
// Markdown変換にはbare URLの自動リンク化（Linkify）を有効にする。
// Markdown本文に裸のURLだけ書かれたリンクも抽出対象にするため。
func New(sanitizer security.ContentSanitizerService) *Parser {
	return &Parser{
		sanitizer: sanitizer,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Linkify),
		),
	}
}

// urlPattern はプレーンテキストからURLを拾うためのパターン。
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractTargets は本文から外部リンク候補（正規化済み絶対URL）を抽出する。
// formatが空の場合は本文の形から推定する。
// 相対リンクはbaseURLを基準に解決し、フラグメントのみの自己リンクと
// http(s)以外のスキームは破棄する。フラグメントは除去したうえで
// 初出順を保って重複を排除する。
func (p *Parser) ExtractTargets(baseURL, text string, format model.ContentFormat) ([]string, error) {
	if format == "" {
		format = model.SniffFormat(text)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLを解釈できません: %w", err)
	}

	switch format {
	case model.FormatText:
		return p.extractFromText(text), nil
	case model.FormatMarkdown:
		rendered, err := p.markdownToHTML(text)
		if err != nil {
			return nil, err
		}
		return p.extractFromHTML(base, rendered), nil
	case model.FormatHTML:
		return p.extractFromHTML(base, text), nil
	}
	return nil, fmt.Errorf("未対応のコンテンツ形式です: %s", format)
}

// markdownToHTML はMarkdown本文をHTMLに変換する。
func (p *Parser) markdownToHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := p.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("Markdownの変換に失敗しました: %w", err)
	}
	return buf.String(), nil
}

// extractFromText はプレーンテキストからURLを正規表現で抽出する。
func (p *Parser) extractFromText(text string) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, raw := range urlPattern.FindAllString(text, -1) {
		normalized := normalizeTarget(nil, trimTrailingPunct(raw))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		targets = append(targets, normalized)
	}
	return targets
}

// extractFromHTML はHTML本文の<a href>からリンクを抽出する。
// トークナイザでストリーム走査するため、壊れたHTMLでも途中まで解析できる。
func (p *Parser) extractFromHTML(base *url.URL, body string) []string {
	var targets []string
	seen := make(map[string]bool)

	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF到達または不正なトークン。抽出済み分を返す
			return targets
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		name, hasAttr := z.TagName()
		if string(name) != "a" || !hasAttr {
			continue
		}

		for {
			key, val, more := z.TagAttr()
			if string(key) == "href" {
				normalized := normalizeTarget(base, string(val))
				if normalized != "" && !seen[normalized] {
					seen[normalized] = true
					targets = append(targets, normalized)
				}
			}
			if !more {
				break
			}
		}
	}
}

// normalizeTarget はhref値を正規化済み絶対URLに変換する。
// 抽出対象外（空、フラグメントのみ、http(s)以外）の場合は空文字列を返す。
func normalizeTarget(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}

	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	if resolved.Host == "" {
		return ""
	}

	resolved.Fragment = ""
	return resolved.String()
}

// trimTrailingPunct はプレーンテキスト抽出時にURL末尾へ巻き込まれた句読点を除く。
func trimTrailingPunct(raw string) string {
	return strings.TrimRight(raw, ".,;:!?")
}

// MentionsTarget は本文がtargetへの参照を含むかを判定する。
// href属性の完全一致、src属性の完全一致の順で調べ、
// どちらも無ければ本文文字列への出現で代替する。
func (p *Parser) MentionsTarget(body, target string) bool {
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		_, hasAttr := z.TagName()
		if !hasAttr {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			k := string(key)
			if (k == "href" || k == "src") && string(val) == target {
				return true
			}
			if !more {
				break
			}
		}
	}

	return strings.Contains(body, target)
}

// collapseWhitespace は連続する空白・改行を1つのスペースにまとめる。
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes は文字数（rune数）でテキストを切り詰める。
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
