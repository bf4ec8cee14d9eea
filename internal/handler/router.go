package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/mentiond/internal/metrics"
	"github.com/hitoshi/mentiond/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// サービス
	Service WebmentionServiceInterface

	// ミドルウェア依存
	Logger            *slog.Logger
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string

	// EndpointURL はLinkヘッダーで広告する受信エンドポイントの絶対URL。
	EndpointURL string

	// 監視
	Gatherer prometheus.Gatherer

	// ヘルスチェック用DB（nil可）
	DB DBPinger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//
// レート制限は受信（/webmention）と照会（/webmentions）で別系統を適用する。
// Linkヘッダー広告はtext/HTMLを返す案内ページにのみ適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	h := NewWebmentionHandler(deps.Service)
	healthHandler := NewHealthHandler(deps.DB)

	// Webmention受信（ソースのフェッチを伴うため厳しいレート制限）
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.ReceiveMiddleware())
		r.Post("/webmention", h.Receive)
	})

	// 照会API
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.QueryMiddleware())
		r.Get("/webmentions", h.List)
	})

	// 稼働確認と監視
	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// 案内ページ（text/htmlで返るためLinkヘッダー広告が付く）
	r.With(middleware.NewLinkHeaderMiddleware(deps.EndpointURL)).
		Get("/", newIndexHandler(deps.EndpointURL))

	return r
}

// newIndexHandler はエンドポイントの案内ページを返すハンドラーを生成する。
// 受信エンドポイントをHTML内の<link rel="webmention">でも広告する。
func newIndexHandler(endpointURL string) http.HandlerFunc {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>mentiond</title>
<link rel="webmention" href="%s">
</head>
<body>
<h1>mentiond</h1>
<p>このサーバーはWebmention通知を受け付けています。</p>
<p>通知は <code>POST %s</code> に <code>source</code> と <code>target</code> をフォーム形式で送信してください。</p>
</body>
</html>
`, endpointURL, endpointURL)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	}
}
