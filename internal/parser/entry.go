package parser

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"willnorris.com/go/microformats"

	"github.com/hitoshi/mentiond/internal/model"
)

// Entry はソースページから抽出したメンション表示用メタデータ。
// microformats2のh-entryを第一の情報源とし、欠けたフィールドは
// OGP等のメタタグから補完する。
type Entry struct {
	Title          string
	Excerpt        string
	Content        string
	AuthorName     string
	AuthorURL      string
	AuthorPhoto    string
	Published      *time.Time
	MentionType    model.MentionType
	MentionTypeRaw string
	Metadata       map[string]any
}

// 抜粋の最大文字数。microformats2由来とメタタグ由来で上限が異なる。
const (
	excerptLimitEntry    = 240
	excerptLimitFallback = 250
)

// ParseEntry はソースページのHTMLからtargetに対するメンションの
// メタデータを抽出する。
//
// microformats2の抽出はベストエフォートであり、h-entryが無い・壊れている
// 場合でも失敗にはせず、メタタグによる補完とデフォルト分類で埋める。
// 分類はtargetと完全一致するプロパティ値がある場合のみ特定され、
// 一致が無ければ一般的なメンションになる。
func (p *Parser) ParseEntry(baseURL, htmlBody, target string) (*Entry, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ソースURLを解釈できません: %w", err)
	}

	e := &Entry{
		MentionType: model.MentionTypeUnknown,
		Metadata:    map[string]any{},
	}

	data := microformats.Parse(strings.NewReader(htmlBody), base)
	if entry := findEntry(data.Items); entry != nil {
		p.applyEntry(e, entry, target)
	}

	p.fillFromDocumentMeta(e, base, htmlBody)

	if e.Excerpt == "" && e.Content != "" {
		limit := excerptLimitEntry
		if _, ok := e.Metadata["mf2"]; !ok {
			limit = excerptLimitFallback
		}
		e.Excerpt = truncateRunes(collapseWhitespace(e.Content), limit)
	}
	if e.MentionType == model.MentionTypeUnknown {
		e.MentionType = model.MentionTypeMention
		e.MentionTypeRaw = "mention"
	}
	return e, nil
}

// findEntry はパース結果からh-entryを探す。
// トップレベルを優先し、見つからなければ子要素を1段だけ辿る。
// h-feed直下にh-entryが並ぶページに対応するため。
func findEntry(items []*microformats.Microformat) *microformats.Microformat {
	for _, item := range items {
		if hasType(item, "h-entry") {
			return item
		}
	}
	for _, item := range items {
		for _, child := range item.Children {
			if hasType(child, "h-entry") {
				return child
			}
		}
	}
	return nil
}

func hasType(item *microformats.Microformat, t string) bool {
	for _, it := range item.Type {
		if it == t {
			return true
		}
	}
	return false
}

// applyEntry はh-entryのプロパティをEntryに反映する。
func (p *Parser) applyEntry(e *Entry, entry *microformats.Microformat, target string) {
	props := entry.Properties
	mf2 := map[string]any{}

	if name := firstString(props["name"]); name != "" {
		e.Title = collapseWhitespace(name)
	}
	if summary := firstString(props["summary"]); summary != "" {
		e.Excerpt = truncateRunes(collapseWhitespace(summary), excerptLimitEntry)
	}
	p.applyContent(e, mf2, props["content"])

	if published := firstString(props["published"]); published != "" {
		// 不正な日時表現は無視する。抽出全体を失敗させない
		if t, err := model.ParseTime(published); err == nil && t != nil {
			e.Published = t
		}
	}

	p.applyAuthor(e, props["author"])

	for prop, key := range map[string]string{
		"photo":    "photo_url",
		"featured": "featured_url",
		"video":    "video_url",
		"audio":    "audio_url",
	} {
		if u := firstURL(props[prop]); u != "" {
			mf2[key] = u
		}
	}

	if loc := normalizeLocation(props["location"]); loc != nil {
		mf2["location_normalized"] = loc
	}
	if comments := extractComments(props["comment"]); len(comments) > 0 {
		mf2["comments"] = comments
	}

	p.inferMentionType(e, mf2, props, target)

	e.Metadata["mf2"] = mf2
}

// applyContent はe-contentをEntryに反映する。
// テキスト表現を本文に採用し、HTML表現はサニタイズしてメタデータに残す。
func (p *Parser) applyContent(e *Entry, mf2 map[string]any, values []interface{}) {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			e.Content = t
			return
		case map[string]string:
			text := t["value"]
			rawHTML := t["html"]
			if text == "" && rawHTML != "" {
				text = p.sanitizer.SanitizeText(rawHTML)
			}
			e.Content = text
			if rawHTML != "" {
				mf2["content_html"] = p.sanitizer.Sanitize(rawHTML)
			}
			return
		}
	}
}

// applyAuthor はauthorプロパティをEntryに反映する。
// h-cardの場合は名前・URL・写真を取り、文字列の場合はURLとしてのみ扱う。
// 既に値が入っているフィールドは上書きしない。
func (p *Parser) applyAuthor(e *Entry, values []interface{}) {
	for _, v := range values {
		switch t := v.(type) {
		case *microformats.Microformat:
			if !hasType(t, "h-card") {
				continue
			}
			if e.AuthorName == "" {
				e.AuthorName = collapseWhitespace(firstString(t.Properties["name"]))
			}
			if e.AuthorURL == "" {
				e.AuthorURL = firstURL(t.Properties["url"])
			}
			if e.AuthorPhoto == "" {
				e.AuthorPhoto = firstURL(t.Properties["photo"])
			}
			return
		case string:
			if e.AuthorURL == "" {
				e.AuthorURL = strings.TrimSpace(t)
			}
			return
		}
	}
}

// mentionTypeProperties は分類推定の優先順。先に一致したものが勝つ。
var mentionTypeProperties = []string{
	"in-reply-to",
	"repost-of",
	"like-of",
	"bookmark-of",
	"follow-of",
}

// inferMentionType はtargetと完全一致するプロパティ値から分類を推定する。
//
// RSVPはin-reply-toでイベントを指す構造のため、rsvpプロパティが存在し
// かつin-reply-toがtargetに一致する場合に限り、返信より優先してRSVPとする。
// それ以外はin-reply-to、repost-of、like-of、bookmark-of、follow-ofの順で
// 最初に一致したプロパティの分類を採用する。
func (p *Parser) inferMentionType(e *Entry, mf2 map[string]any, props map[string][]interface{}, target string) {
	if e.MentionType != model.MentionTypeUnknown {
		return
	}

	if rsvp := firstString(props["rsvp"]); rsvp != "" && propertyMatchesTarget(props["in-reply-to"], target) {
		e.MentionType = model.MentionTypeRSVP
		e.MentionTypeRaw = "rsvp"
		mf2["rsvp"] = strings.ToLower(rsvp)
		return
	}

	for _, prop := range mentionTypeProperties {
		if propertyMatchesTarget(props[prop], target) {
			e.MentionType = model.MentionTypeFromRaw(prop)
			e.MentionTypeRaw = prop
			return
		}
	}
}

// propertyMatchesTarget はプロパティ値のいずれかがtargetと完全一致するかを返す。
// 埋め込みのh-citeはそのurlプロパティまたは値で比較する。
func propertyMatchesTarget(values []interface{}, target string) bool {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if t == target {
				return true
			}
		case map[string]string:
			if t["value"] == target {
				return true
			}
		case *microformats.Microformat:
			if firstURL(t.Properties["url"]) == target || t.Value == target {
				return true
			}
		}
	}
	return false
}

// normalizeLocation はlocationプロパティを表示用の正規形に変換する。
func normalizeLocation(values []interface{}) map[string]any {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return map[string]any{"name": s}
			}
		case *microformats.Microformat:
			loc := map[string]any{}
			if len(t.Type) > 0 {
				loc["type"] = t.Type[0]
			}
			if name := firstString(t.Properties["name"]); name != "" {
				loc["name"] = name
			} else if t.Value != "" {
				loc["name"] = t.Value
			}
			if u := firstURL(t.Properties["url"]); u != "" {
				loc["url"] = u
			}
			if lat := firstString(t.Properties["latitude"]); lat != "" {
				loc["latitude"] = lat
			}
			if lng := firstString(t.Properties["longitude"]); lng != "" {
				loc["longitude"] = lng
			}
			if len(loc) > 0 {
				return loc
			}
		}
	}
	return nil
}

// extractComments はcommentプロパティのh-cite群を表示用の配列に変換する。
func extractComments(values []interface{}) []map[string]any {
	var comments []map[string]any
	for _, v := range values {
		cite, ok := v.(*microformats.Microformat)
		if !ok {
			continue
		}
		c := map[string]any{}
		if u := firstURL(cite.Properties["url"]); u != "" {
			c["url"] = u
		}
		if content := firstString(cite.Properties["content"]); content != "" {
			c["content"] = content
		}
		for _, av := range cite.Properties["author"] {
			switch a := av.(type) {
			case string:
				c["author"] = a
			case *microformats.Microformat:
				if name := firstString(a.Properties["name"]); name != "" {
					c["author"] = name
				}
			}
			break
		}
		if len(c) > 0 {
			comments = append(comments, c)
		}
	}
	return comments
}

// firstString はmicroformats2プロパティ値の先頭から文字列表現を取り出す。
// 値は文字列、{value, html}マップ、埋め込みmicroformatのいずれかで現れる。
func firstString(values []interface{}) string {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case map[string]string:
			if s := strings.TrimSpace(t["value"]); s != "" {
				return s
			}
		case *microformats.Microformat:
			if s := strings.TrimSpace(t.Value); s != "" {
				return s
			}
		}
	}
	return ""
}

// firstURL はmicroformats2プロパティ値の先頭からURL表現を取り出す。
func firstURL(values []interface{}) string {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case map[string]string:
			if s := strings.TrimSpace(t["value"]); s != "" {
				return s
			}
		case *microformats.Microformat:
			if u := firstURL(t.Properties["url"]); u != "" {
				return u
			}
			if s := strings.TrimSpace(t.Value); s != "" {
				return s
			}
		}
	}
	return ""
}

// fillFromDocumentMeta はメタタグからEntryの空フィールドを補完する。
// 優先順はog:title、twitter:title、titleタグの順。
// 著者写真が無い場合はサイトアイコンで代替する。
func (p *Parser) fillFromDocumentMeta(e *Entry, base *url.URL, body string) {
	meta := scanDocumentMeta(base, body)

	if e.Title == "" {
		switch {
		case meta.ogTitle != "":
			e.Title = collapseWhitespace(meta.ogTitle)
		case meta.twitterTitle != "":
			e.Title = collapseWhitespace(meta.twitterTitle)
		case meta.title != "":
			e.Title = collapseWhitespace(meta.title)
		}
	}
	if e.AuthorName == "" && meta.author != "" {
		e.AuthorName = collapseWhitespace(meta.author)
	}
	if e.Published == nil && meta.publishedTime != "" {
		if t, err := model.ParseTime(meta.publishedTime); err == nil && t != nil {
			e.Published = t
		}
	}
	if e.Content == "" && meta.ogDescription != "" {
		e.Content = meta.ogDescription
	}
	if e.AuthorPhoto == "" && meta.iconURL != "" {
		e.AuthorPhoto = meta.iconURL
	}
}

// documentMeta はメタタグ走査の結果。
type documentMeta struct {
	title         string
	ogTitle       string
	twitterTitle  string
	ogDescription string
	author        string
	publishedTime string
	iconURL       string
}

// scanDocumentMeta はHTMLをトークナイザで1回走査してメタタグを収集する。
func scanDocumentMeta(base *url.URL, body string) documentMeta {
	var meta documentMeta
	var inTitle bool

	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return meta
		}

		switch tt {
		case html.TextToken:
			if inTitle && meta.title == "" {
				meta.title = strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = false
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag == "title" && tt == html.StartTagToken {
				inTitle = true
				continue
			}
			if !hasAttr {
				continue
			}

			attrs := map[string]string{}
			for {
				key, val, more := z.TagAttr()
				attrs[string(key)] = string(val)
				if !more {
					break
				}
			}

			switch tag {
			case "meta":
				applyMetaTag(&meta, attrs)
			case "link":
				if meta.iconURL == "" && isIconRel(attrs["rel"]) {
					meta.iconURL = normalizeTarget(base, attrs["href"])
				}
			}
		}
	}
}

func applyMetaTag(meta *documentMeta, attrs map[string]string) {
	content := strings.TrimSpace(attrs["content"])
	if content == "" {
		return
	}
	switch {
	case attrs["property"] == "og:title" && meta.ogTitle == "":
		meta.ogTitle = content
	case attrs["name"] == "twitter:title" && meta.twitterTitle == "":
		meta.twitterTitle = content
	case attrs["property"] == "og:description" && meta.ogDescription == "":
		meta.ogDescription = content
	case attrs["name"] == "author" && meta.author == "":
		meta.author = content
	case attrs["property"] == "article:published_time" && meta.publishedTime == "":
		meta.publishedTime = content
	}
}

// isIconRel はlinkタグのrel属性がサイトアイコンを指すかを返す。
// rel属性は空白区切りで複数の値を持ちうる（例: "shortcut icon"）。
func isIconRel(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if r == "icon" || r == "apple-touch-icon" {
			return true
		}
	}
	return false
}
