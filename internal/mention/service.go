// Package mention はWebmention送受信のドメインロジックを提供する。
// 受信通知の検証と取り込み、送信の差分計算と通知、確認済み一覧の取得を担う。
package mention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/mentiond/internal/discovery"
	"github.com/hitoshi/mentiond/internal/metrics"
	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/parser"
	"github.com/hitoshi/mentiond/internal/repository"
)

// Resolver はWebmentionエンドポイント解決のインターフェース。
// テスタビリティのためdiscovery.EndpointResolverを抽象化する。
type Resolver interface {
	Resolve(ctx context.Context, targetURL string) (*discovery.Resolution, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Config はエンジンの動作設定。
type Config struct {
	// BaseURL は自サイトのベースURL。受信ターゲットの所有判定に使用する。
	BaseURL string
	// UserAgent は外部フェッチと送信で名乗るUser-Agent。
	UserAgent string
	// Timeout はHTTPリクエストのタイムアウト。
	Timeout time.Duration
	// MaxBodySize はフェッチ本文の最大読み込みサイズ（バイト）。
	MaxBodySize int64
	// InitialStatus は受信Webmentionの初期ステータス。空ならconfirmed。
	InitialStatus model.Status
	// SendConcurrency は送信の最大並列数。
	SendConcurrency int
}

// Service はWebmention送受信のサービス層。
// ハンドラー、ファイル監視、フィードポーラー、再試行ワーカーから共用される。
type Service struct {
	repo       repository.WebmentionRepository
	parser     *parser.Parser
	resolver   Resolver
	ssrfGuard  SSRFValidator
	dispatcher *CallbackDispatcher
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	baseURL         *url.URL
	userAgent       string
	timeout         time.Duration
	maxBodySize     int64
	initialStatus   model.Status
	sendConcurrency int

	mu          sync.Mutex
	sourceLocks map[string]*sync.Mutex
}

// New はServiceの新しいインスタンスを生成する。
// loggerとcollectorは必須。コールバックが不要な場合も空のdispatcherを渡す。
func New(
	repo repository.WebmentionRepository,
	contentParser *parser.Parser,
	resolver Resolver,
	ssrfGuard SSRFValidator,
	dispatcher *CallbackDispatcher,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	cfg Config,
) (*Service, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ベースURLが不正です: %s", cfg.BaseURL)
	}

	initialStatus := cfg.InitialStatus
	if initialStatus == "" {
		initialStatus = model.StatusConfirmed
	}
	concurrency := cfg.SendConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Service{
		repo:            repo,
		parser:          contentParser,
		resolver:        resolver,
		ssrfGuard:       ssrfGuard,
		dispatcher:      dispatcher,
		logger:          logger,
		metrics:         collector,
		baseURL:         base,
		userAgent:       cfg.UserAgent,
		timeout:         cfg.Timeout,
		maxBodySize:     cfg.MaxBodySize,
		initialStatus:   initialStatus,
		sendConcurrency: concurrency,
		sourceLocks:     make(map[string]*sync.Mutex),
	}, nil
}

// Retrieve は指定リソースの確認済みWebmention一覧を取得する。
func (s *Service) Retrieve(ctx context.Context, resource string, direction model.Direction) ([]*model.Webmention, error) {
	if err := model.ValidateAbsoluteURL(resource); err != nil {
		return nil, model.NewInvalidTargetError(resource, err.Error())
	}

	mentions, err := s.repo.Retrieve(ctx, resource, direction)
	if err != nil {
		return nil, fmt.Errorf("Webmention一覧の取得に失敗しました: %w", err)
	}
	return mentions, nil
}

// sourceLock はソースURLごとの直列化用ロックを返す。
// 同一ソースの並行処理で差分計算が交錯するのを防ぐ。
func (s *Service) sourceLock(source string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.sourceLocks[source]
	if !ok {
		lock = &sync.Mutex{}
		s.sourceLocks[source] = lock
	}
	return lock
}

// fetchedPage はフェッチ結果を表す。
type fetchedPage struct {
	StatusCode  int
	FinalURL    string // リダイレクト追従後のURL
	ContentType string
	Body        string
}

// fetchPage は指定URLをGETで取得する。
// ネットワーク失敗は一時的エラー（ResolutionError）として返す。
// ステータスコードの解釈は呼び出し側で行う。
func (s *Service) fetchPage(ctx context.Context, pageURL string) (*fetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, model.NewResolutionError(pageURL, err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.8")

	resp, err := s.getHTTPClient().Do(req)
	if err != nil {
		return nil, model.NewResolutionError(pageURL, err)
	}
	defer resp.Body.Close()

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodySize))
	if err != nil {
		return nil, model.NewResolutionError(pageURL, err)
	}

	return &fetchedPage{
		StatusCode:  resp.StatusCode,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}, nil
}

// getHTTPClient はSSRF対策済みのHTTPクライアントを返す。
func (s *Service) getHTTPClient() *http.Client {
	if s.ssrfGuard != nil {
		return s.ssrfGuard.NewSafeClient(s.timeout, s.maxBodySize)
	}
	return &http.Client{Timeout: s.timeout}
}
