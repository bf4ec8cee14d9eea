package parser

import (
	"reflect"
	"testing"

	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/security"
)

func newTestParser() *Parser {
	return New(security.NewContentSanitizer())
}

// --- ExtractTargets のテスト ---

// TestExtractTargets_PlainText はプレーンテキストからのURL抽出を検証する。
func TestExtractTargets_PlainText(t *testing.T) {
	p := newTestParser()

	text := "参考: https://example.com/a. あと https://example.com/b?q=1 も読んで。"
	targets, err := p.ExtractTargets("https://mysite.example/post/1", text, model.FormatText)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	want := []string{"https://example.com/a", "https://example.com/b?q=1"}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("期待値 %v, 実際 %v", want, targets)
	}
}

// TestExtractTargets_PlainTextDeduplicates はフラグメント除去後の重複排除を検証する。
// 同じページの別セクションへのリンクは1件に集約される。
func TestExtractTargets_PlainTextDeduplicates(t *testing.T) {
	p := newTestParser()

	text := "https://example.com/doc#intro と https://example.com/doc#usage"
	targets, err := p.ExtractTargets("https://mysite.example/post/1", text, model.FormatText)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	want := []string{"https://example.com/doc"}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("期待値 %v, 実際 %v", want, targets)
	}
}

// TestExtractTargets_HTML はHTMLからのリンク抽出を検証する。
// 相対リンクの解決、フラグメントのみの自己リンクの破棄、
// http(s)以外のスキームの破棄を含む。
func TestExtractTargets_HTML(t *testing.T) {
	p := newTestParser()

	body := `<article>
		<a href="https://example.com/a">絶対</a>
		<a href="/relative">相対</a>
		<a href="#section">目次</a>
		<a href="mailto:hitoshi@example.com">メール</a>
		<a href="javascript:alert(1)">不正</a>
		<a href="https://example.com/a#note">重複</a>
	</article>`

	targets, err := p.ExtractTargets("https://mysite.example/post/1", body, model.FormatHTML)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	want := []string{"https://example.com/a", "https://mysite.example/relative"}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("期待値 %v, 実際 %v", want, targets)
	}
}

// TestExtractTargets_Markdown はMarkdownからのリンク抽出を検証する。
// 通常のリンク記法に加え、裸のURLも自動リンク化により抽出される。
func TestExtractTargets_Markdown(t *testing.T) {
	p := newTestParser()

	text := "この[記事](https://example.com/a)が良かった。\n\n元ネタは https://example.com/b です。\n\n[社内資料](/docs/internal)も参照。"
	targets, err := p.ExtractTargets("https://mysite.example/post/1", text, model.FormatMarkdown)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	want := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://mysite.example/docs/internal",
	}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("期待値 %v, 実際 %v", want, targets)
	}
}

// TestExtractTargets_SniffsFormat は形式未指定時の自動判別を検証する。
func TestExtractTargets_SniffsFormat(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "HTMLらしい本文",
			text: `<p><a href="https://example.com/a">link</a></p>`,
			want: []string{"https://example.com/a"},
		},
		{
			name: "Markdownらしい本文",
			text: "[link](https://example.com/b)",
			want: []string{"https://example.com/b"},
		},
		{
			name: "プレーンテキスト",
			text: "see https://example.com/c",
			want: []string{"https://example.com/c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, err := p.ExtractTargets("https://mysite.example/p", tt.text, "")
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if !reflect.DeepEqual(targets, tt.want) {
				t.Errorf("期待値 %v, 実際 %v", tt.want, targets)
			}
		})
	}
}

// TestExtractTargets_EmptyText は空文字列の本文で空の結果になることを検証する。
func TestExtractTargets_EmptyText(t *testing.T) {
	p := newTestParser()

	targets, err := p.ExtractTargets("https://mysite.example/p", "", model.FormatText)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("空の結果を期待したが %v が返った", targets)
	}
}

// TestExtractTargets_InvalidBaseURL は不正なベースURLでエラーになることを検証する。
func TestExtractTargets_InvalidBaseURL(t *testing.T) {
	p := newTestParser()

	_, err := p.ExtractTargets("://bad", "text", model.FormatText)
	if err == nil {
		t.Error("エラーを期待したがnilが返った")
	}
}

// --- MentionsTarget のテスト ---

// TestMentionsTarget はソース本文によるターゲット参照の検出を検証する。
// href属性の完全一致、src属性の完全一致、生の文字列出現の順で判定される。
func TestMentionsTarget(t *testing.T) {
	p := newTestParser()
	target := "https://mysite.example/post/1"

	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "hrefの完全一致",
			body: `<a href="https://mysite.example/post/1">返信先</a>`,
			want: true,
		},
		{
			name: "srcの完全一致",
			body: `<img src="https://mysite.example/post/1">`,
			want: true,
		},
		{
			name: "本文中の文字列出現",
			body: `<p>https://mysite.example/post/1 を読んだ</p>`,
			want: true,
		},
		{
			name: "フラグメント付きhrefも文字列出現として検出",
			body: `<a href="https://mysite.example/post/1#section">注</a>`,
			want: true,
		},
		{
			name: "言及なし",
			body: `<a href="https://other.example/">別のページ</a>`,
			want: false,
		},
		{
			name: "空の本文",
			body: "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.MentionsTarget(tt.body, target); got != tt.want {
				t.Errorf("期待値 %v, 実際 %v", tt.want, got)
			}
		})
	}
}
