package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/mentiond/internal/config"
	"github.com/hitoshi/mentiond/internal/database"
	"github.com/hitoshi/mentiond/internal/discovery"
	"github.com/hitoshi/mentiond/internal/handler"
	"github.com/hitoshi/mentiond/internal/logger"
	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/metrics"
	"github.com/hitoshi/mentiond/internal/middleware"
	"github.com/hitoshi/mentiond/internal/notify"
	"github.com/hitoshi/mentiond/internal/parser"
	"github.com/hitoshi/mentiond/internal/repository"
	"github.com/hitoshi/mentiond/internal/security"
	"github.com/hitoshi/mentiond/internal/watcher"
	"github.com/hitoshi/mentiond/internal/worker/cleanup"
	"github.com/hitoshi/mentiond/internal/worker/feedpoll"
	"github.com/hitoshi/mentiond/internal/worker/send"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映してログを再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe は受信APIサーバーモードで起動する。
// DB接続を開き、Webmentionエンジンとルーターをワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	webmentionRepo := repository.NewPostgresWebmentionRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. Webmentionエンジンの初期化
	contentParser := parser.New(sanitizer)
	resolver := discovery.NewEndpointResolver(ssrfGuard, cfg.UserAgent, cfg.HTTPTimeout, cfg.FetchMaxSize)
	engine, err := mention.New(
		webmentionRepo, contentParser, resolver, ssrfGuard,
		newCallbackDispatcher(cfg, collector), slog.Default(), collector,
		engineConfig(cfg),
	)
	if err != nil {
		return fmt.Errorf("failed to build webmention engine: %w", err)
	}

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.ConfigWithReceiveRPM(cfg.RateLimitRPM))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Service:           engine,
		Logger:            slog.Default(),
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		EndpointURL:       cfg.BaseURL + "/webmention",
		Gatherer:          registry,
		DB:                db,
	}
	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("endpoint", deps.EndpointURL),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker は送信ワーカーモードで起動する。
// 送信再試行スケジューラを常駐させ、設定に応じてファイル監視・フィードポーラー・
// クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	webmentionRepo := repository.NewPostgresWebmentionRepo(db)
	retryRepo := repository.NewPostgresRetryRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. メトリクスの初期化
	collector := metrics.NewCollector(prometheus.NewRegistry())

	// 5. Webmentionエンジンの初期化
	contentParser := parser.New(sanitizer)
	resolver := discovery.NewEndpointResolver(ssrfGuard, cfg.UserAgent, cfg.HTTPTimeout, cfg.FetchMaxSize)
	engine, err := mention.New(
		webmentionRepo, contentParser, resolver, ssrfGuard,
		newCallbackDispatcher(cfg, collector), slog.Default(), collector,
		engineConfig(cfg),
	)
	if err != nil {
		return fmt.Errorf("failed to build webmention engine: %w", err)
	}

	// 6. 送信再試行の初期化
	// スケジューラはキュー起点の試行回数とバックオフを自身で管理するため、
	// Retrierを介さず生のエンジンを受け取る。
	scheduler := send.NewScheduler(retryRepo, engine, slog.Default(), cfg.SendConcurrency, cfg.SendMaxAttempts)
	retrier := send.NewRetrier(engine, retryRepo, slog.Default(), cfg.SendMaxAttempts)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("send_retry_interval", cfg.SendRetryInterval),
		slog.Int("send_concurrency", cfg.SendConcurrency),
		slog.String("watch_dir", cfg.WatchDir),
		slog.String("site_feed_url", cfg.SiteFeedURL),
	)

	// 7. ファイル監視の起動（WATCH_DIR設定時のみ）
	if cfg.WatchDir != "" {
		mapper, err := watcher.NewPrettyURLMapper(cfg.WatchDir, cfg.BaseURL)
		if err != nil {
			return fmt.Errorf("failed to build URL mapper: %w", err)
		}
		fileWatcher, err := watcher.New(retrier, slog.Default(), watcher.Config{
			RootDir: cfg.WatchDir,
			Mapper:  mapper,
		})
		if err != nil {
			return fmt.Errorf("failed to build file watcher: %w", err)
		}
		if err := fileWatcher.Start(); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		defer fileWatcher.Stop()
	}

	// 8. フィードポーラーの起動（SITE_FEED_URL設定時のみ）
	if cfg.SiteFeedURL != "" {
		poller, err := feedpoll.New(retrier, ssrfGuard, slog.Default(), feedpoll.Config{
			FeedURL:     cfg.SiteFeedURL,
			UserAgent:   cfg.UserAgent,
			Timeout:     cfg.HTTPTimeout,
			MaxBodySize: cfg.FetchMaxSize,
		})
		if err != nil {
			return fmt.Errorf("failed to build feed poller: %w", err)
		}
		go poller.Start(ctx, cfg.FeedPollInterval)
	}

	// 9. クリーンアップジョブ（MENTION_RETENTION_DAYS設定時のみ日次実行）
	if cfg.MentionRetentionDays > 0 {
		cleanupJob := cleanup.NewCleanupJob(webmentionRepo, db, slog.Default())
		cleanupJob.RetentionDays = cfg.MentionRetentionDays

		go func() {
			// 起動直後に1回実行
			if err := cleanupJob.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}

			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := cleanupJob.Run(ctx); err != nil {
						slog.Error("cleanup job failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	// 送信再試行スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SendRetryInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用し、適用後のスキーマバージョンを記録する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newCallbackDispatcher は設定に応じたコールバックディスパッチャを生成する。
// WEBHOOK_URLが設定されている場合のみWebhook通知を配線する。
func newCallbackDispatcher(cfg *config.Config, collector metrics.MetricsCollector) *mention.CallbackDispatcher {
	if cfg.WebhookURL == "" {
		return mention.NewCallbackDispatcher(nil, nil, slog.Default(), collector)
	}

	client := notify.NewClient(
		cfg.WebhookURL,
		&http.Client{Timeout: cfg.HTTPTimeout},
		slog.Default(),
		cfg.UserAgent,
	)
	return mention.NewCallbackDispatcher(client.NotifyProcessed, client.NotifyDeleted, slog.Default(), collector)
}

// engineConfig はアプリケーション設定からエンジン設定を組み立てる。
func engineConfig(cfg *config.Config) mention.Config {
	return mention.Config{
		BaseURL:         cfg.BaseURL,
		UserAgent:       cfg.UserAgent,
		Timeout:         cfg.HTTPTimeout,
		MaxBodySize:     cfg.FetchMaxSize,
		InitialStatus:   cfg.InitialMentionStatus,
		SendConcurrency: cfg.SendConcurrency,
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
