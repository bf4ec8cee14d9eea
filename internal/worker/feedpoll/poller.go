// Package feedpoll は自サイトのフィードを定期取得し、新規・更新記事の
// 送信Webmention処理を起動する。コンテンツのファイル監視が使えない
// 構成（静的サイトのホスティングが別マシンにある場合など）の代替経路。
package feedpoll

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
)

// OutgoingProcessor は送信Webmention処理のインターフェース。
type OutgoingProcessor interface {
	ProcessOutgoing(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 5 * 1024 * 1024 // 5MiB
	defaultUserAgent   = "mentiond/1.0"
)

// Config はポーラーの動作設定。
type Config struct {
	// FeedURL は自サイトのフィードの絶対URL。必須。
	FeedURL string
	// UserAgent はフィード取得時のUser-Agentヘッダー。
	UserAgent string
	// Timeout はフィード取得のHTTPタイムアウト。
	Timeout time.Duration
	// MaxBodySize はフィードの最大読み取りサイズ。
	MaxBodySize int64
}

// Poller は自サイトのフィードを定期取得し、本文が変わった記事を
// 送信Webmention処理に回す。ETag/Last-Modifiedによる条件付きGETと
// 本文ハッシュによる差分検出で、変化のない記事は処理しない。
type Poller struct {
	processor   OutgoingProcessor
	ssrfGuard   SSRFValidator
	logger      *slog.Logger
	feedURL     string
	userAgent   string
	timeout     time.Duration
	maxBodySize int64

	// 以下の状態はポーリングgoroutineからのみ触る
	etag         string
	lastModified string
	seen         map[string]string // 記事リンク → 本文ハッシュ
}

// New はPollerの新しいインスタンスを生成する。
func New(processor OutgoingProcessor, ssrfGuard SSRFValidator, logger *slog.Logger, cfg Config) (*Poller, error) {
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("フィードURLが指定されていません")
	}
	if err := model.ValidateAbsoluteURL(cfg.FeedURL); err != nil {
		return nil, fmt.Errorf("フィードURLが不正です: %w", err)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}

	return &Poller{
		processor:   processor,
		ssrfGuard:   ssrfGuard,
		logger:      logger,
		feedURL:     cfg.FeedURL,
		userAgent:   userAgent,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		seen:        make(map[string]string),
	}, nil
}

// Start は指定間隔のティッカーでポーラーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("フィードポーラーを開始しました",
		slog.String("feed_url", p.feedURL),
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := p.RunOnce(ctx); err != nil {
		p.logger.Error("フィードポーリングに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("フィードポーラーを停止しました")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("フィードポーリングに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回のポーリングを実行する。
// フィードが304を返した場合は何もしない。
func (p *Poller) RunOnce(ctx context.Context) error {
	start := time.Now()

	if err := p.ssrfGuard.ValidateURL(p.feedURL); err != nil {
		return fmt.Errorf("フィードURLの検証に失敗しました: %w", err)
	}

	client := p.ssrfGuard.NewSafeClient(p.timeout, p.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.feedURL, nil)
	if err != nil {
		return fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag / Last-Modified
	if p.etag != "" {
		req.Header.Set("If-None-Match", p.etag)
	}
	if p.lastModified != "" {
		req.Header.Set("If-Modified-Since", p.lastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		p.logger.Info("フィードは未変更です（304）",
			slog.String("feed_url", p.feedURL),
		)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("フィードの取得でステータスコード %d が返されました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodySize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		p.etag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		p.lastModified = lastMod
	}

	parsedFeed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	processed := p.processEntries(ctx, parsedFeed.Items)

	p.logger.Info("フィードポーリングが完了しました",
		slog.String("feed_url", p.feedURL),
		slog.Int("entry_total", len(parsedFeed.Items)),
		slog.Int("entry_processed", processed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// processEntries は本文が変わった記事だけを送信処理に回し、処理件数を返す。
// フィードから消えた記事は撤回しない。過去記事は単に最新N件の窓から
// 外れただけの可能性が高いため、削除の検出はファイル監視側に任せる。
func (p *Poller) processEntries(ctx context.Context, items []*gofeed.Item) int {
	processed := 0
	next := make(map[string]string, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		link := entryLink(item)
		if link == "" {
			p.logger.Warn("リンクのない記事をスキップします",
				slog.String("title", item.Title),
			)
			continue
		}

		content := entryContent(item)
		hash := contentHash(content)

		if prev, ok := p.seen[link]; ok && prev == hash {
			next[link] = hash
			continue
		}

		text := content
		if _, err := p.processor.ProcessOutgoing(ctx, link, &text, model.FormatHTML); err != nil {
			p.logger.Error("記事の送信処理に失敗しました",
				slog.String("source", link),
				slog.String("error", err.Error()),
			)
		}
		// 失敗してもハッシュは記録する。一時的な失敗の再試行は
		// 再試行キュー側が担うため、ポーリングごとに繰り返さない。
		next[link] = hash
		processed++
	}

	p.seen = next
	return processed
}

// entryLink は記事のリンクを返す。リンクがなくGUIDがURL形式の場合はGUIDを使う。
func entryLink(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://") {
		return item.GUID
	}
	return ""
}

// entryContent は記事の本文を返す。Contentが空の場合はDescriptionを使う。
func entryContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

// contentHash は差分検出用の本文ハッシュを計算する。
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}
