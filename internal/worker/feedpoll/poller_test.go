package feedpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
)

// allowAllSSRF はテスト用のSSRF検証。テストサーバーが使うループバックへの
// 接続を許可するため、検証なしの素のHTTPクライアントを返す。
type allowAllSSRF struct{}

func (allowAllSSRF) ValidateURL(string) error { return nil }

func (allowAllSSRF) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

// outgoingCall はrecordingProcessorが記録する1回分の呼び出し。
type outgoingCall struct {
	source string
	text   *string
	format model.ContentFormat
}

// recordingProcessor はテスト用のOutgoingProcessor実装。
type recordingProcessor struct {
	mu    sync.Mutex
	calls []outgoingCall
	err   error
}

var _ OutgoingProcessor = (*recordingProcessor)(nil)

func (p *recordingProcessor) ProcessOutgoing(_ context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, outgoingCall{source: source, text: text, format: format})
	if p.err != nil {
		return nil, p.err
	}
	return &mention.OutgoingResult{}, nil
}

func (p *recordingProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *recordingProcessor) call(i int) outgoingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func newTestPoller(t *testing.T, processor OutgoingProcessor, feedURL string) *Poller {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p, err := New(processor, allowAllSSRF{}, logger, Config{FeedURL: feedURL})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return p
}

func rssFeed(items ...string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>自分のブログ</title><link>https://blog.example/</link>%s</channel></rss>`,
		strings.Join(items, ""))
}

func rssItem(link, desc string) string {
	return fmt.Sprintf(`<item><title>記事</title><link>%s</link><description><![CDATA[%s]]></description></item>`, link, desc)
}

// --- New のテスト ---

func TestNew_RequiresFeedURL(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	if _, err := New(&recordingProcessor{}, allowAllSSRF{}, logger, Config{}); err == nil {
		t.Error("New without FeedURL should return error")
	}
	if _, err := New(&recordingProcessor{}, allowAllSSRF{}, logger, Config{FeedURL: "feeds/rss"}); err == nil {
		t.Error("New with relative FeedURL should return error")
	}
}

// --- RunOnce のテスト ---

// TestRunOnce_ProcessesFeedEntries はフィードの各記事がHTML本文つきで
// 送信処理に渡されることを確認する。
func TestRunOnce_ProcessesFeedEntries(t *testing.T) {
	feed := rssFeed(
		rssItem("https://blog.example/posts/a", `<a href="https://other.example/x">参照</a>`),
		rssItem("https://blog.example/posts/b", "リンクのない本文"),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if proc.callCount() != 2 {
		t.Fatalf("call count = %d, want 2", proc.callCount())
	}
	call := proc.call(0)
	if call.source != "https://blog.example/posts/a" {
		t.Errorf("source = %q, want %q", call.source, "https://blog.example/posts/a")
	}
	if call.format != model.FormatHTML {
		t.Errorf("format = %q, want %q", call.format, model.FormatHTML)
	}
	if call.text == nil || !strings.Contains(*call.text, "https://other.example/x") {
		t.Errorf("text should contain the referenced URL, got %v", call.text)
	}
}

// TestRunOnce_SkipsUnchangedEntries は本文が変わらない記事が
// 2回目のポーリングで処理されないことを確認する。
func TestRunOnce_SkipsUnchangedEntries(t *testing.T) {
	feed := rssFeed(
		rssItem("https://blog.example/posts/a", "本文A"),
		rssItem("https://blog.example/posts/b", "本文B"),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce returned error: %v", err)
	}
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce returned error: %v", err)
	}

	if proc.callCount() != 2 {
		t.Errorf("call count = %d, want 2 (unchanged entries must not be reprocessed)", proc.callCount())
	}
}

// TestRunOnce_ReprocessesChangedEntry は本文が変わった記事だけが
// 再処理されることを確認する。
func TestRunOnce_ReprocessesChangedEntry(t *testing.T) {
	var mu sync.Mutex
	descA := "初版の本文"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		feed := rssFeed(
			rssItem("https://blog.example/posts/a", descA),
			rssItem("https://blog.example/posts/b", "変わらない本文"),
		)
		mu.Unlock()
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce returned error: %v", err)
	}

	mu.Lock()
	descA = "改訂版の本文"
	mu.Unlock()

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce returned error: %v", err)
	}

	if proc.callCount() != 3 {
		t.Fatalf("call count = %d, want 3 (only the changed entry is reprocessed)", proc.callCount())
	}
	last := proc.call(2)
	if last.source != "https://blog.example/posts/a" {
		t.Errorf("reprocessed source = %q, want posts/a", last.source)
	}
	if last.text == nil || !strings.Contains(*last.text, "改訂版") {
		t.Errorf("reprocessed text should contain the revision, got %v", last.text)
	}
}

// TestRunOnce_HonorsNotModified は304応答で記事処理が走らないことを確認する。
func TestRunOnce_HonorsNotModified(t *testing.T) {
	feed := rssFeed(rssItem("https://blog.example/posts/a", "本文"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce returned error: %v", err)
	}
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce returned error: %v", err)
	}

	if proc.callCount() != 1 {
		t.Errorf("call count = %d, want 1 (304 must short-circuit)", proc.callCount())
	}
}

func TestRunOnce_FeedUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	p := newTestPoller(t, &recordingProcessor{}, srv.URL)

	if err := p.RunOnce(context.Background()); err == nil {
		t.Error("RunOnce should return error when feed is unreachable")
	}
}

func TestRunOnce_InvalidFeedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>フィードではないページ</body></html>")
	}))
	defer srv.Close()

	p := newTestPoller(t, &recordingProcessor{}, srv.URL)

	err := p.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce should return error for unparsable feed")
	}
	if !strings.Contains(err.Error(), "パース") {
		t.Errorf("error = %v, want parse failure", err)
	}
}

// TestRunOnce_SkipsEntryWithoutLink はリンクもGUIDもない記事が
// 処理されないことを確認する。
func TestRunOnce_SkipsEntryWithoutLink(t *testing.T) {
	feed := rssFeed(`<item><title>無題</title><description>本文</description></item>`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if proc.callCount() != 0 {
		t.Errorf("call count = %d, want 0", proc.callCount())
	}
}

// TestRunOnce_UsesGUIDWhenLinkMissing はリンク要素がなくてもURL形式の
// GUIDがあれば記事として処理されることを確認する。
func TestRunOnce_UsesGUIDWhenLinkMissing(t *testing.T) {
	feed := rssFeed(`<item><title>記事</title><guid>https://blog.example/posts/g</guid><description>本文</description></item>`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if proc.callCount() != 1 {
		t.Fatalf("call count = %d, want 1", proc.callCount())
	}
	if got := proc.call(0).source; got != "https://blog.example/posts/g" {
		t.Errorf("source = %q, want GUID URL", got)
	}
}

// TestRunOnce_ProcessorErrorDoesNotRepeat は送信処理が失敗しても
// 記事が処理済みとして扱われ、ポーリングごとに繰り返されないことを確認する。
// 一時的な失敗のやり直しは再試行キュー側の責務のため。
func TestRunOnce_ProcessorErrorDoesNotRepeat(t *testing.T) {
	feed := rssFeed(rssItem("https://blog.example/posts/a", "本文"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{err: model.NewResolutionError("https://blog.example/posts/a", errors.New("timeout"))}
	p := newTestPoller(t, proc, srv.URL)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce returned error: %v", err)
	}
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce returned error: %v", err)
	}

	if proc.callCount() != 1 {
		t.Errorf("call count = %d, want 1", proc.callCount())
	}
}

// --- Start のテスト ---

func TestStart_StopsOnContextCancel(t *testing.T) {
	feed := rssFeed(rssItem("https://blog.example/posts/a", "本文"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	p := newTestPoller(t, proc, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not stop after context cancel")
	}

	if proc.callCount() == 0 {
		t.Error("poller did not run on start")
	}
}
