package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	ReceiveRate     rate.Limit    // 受信エンドポイントのレート（req/sec）。60/60 = 1 req/sec
	ReceiveBurst    int           // 受信エンドポイントのバーストサイズ
	QueryRate       rate.Limit    // 照会APIのレート（req/sec）。300/60 = 5 req/sec
	QueryBurst      int           // 照会APIのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 受信はソースのフェッチを伴い高コストなため、照会より厳しい上限を持つ。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		ReceiveRate:     rate.Limit(60.0 / 60.0), // 1 req/sec
		ReceiveBurst:    60,
		QueryRate:       rate.Limit(300.0 / 60.0), // 5 req/sec
		QueryBurst:      300,
		CleanupInterval: 5 * time.Minute,
	}
}

// ConfigWithReceiveRPM は受信エンドポイントのレートを毎分rpm件に調整した設定を返す。
// rpmが0以下の場合はデフォルト設定をそのまま返す。
func ConfigWithReceiveRPM(rpm int) RateLimiterConfig {
	config := DefaultRateLimiterConfig()
	if rpm > 0 {
		config.ReceiveRate = rate.Limit(float64(rpm) / 60.0)
		config.ReceiveBurst = rpm
	}
	return config
}

// ipLimiter はIPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は送信元IPごとのレート制限を管理する。
// Webmention受信のレート制限と照会APIのレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	receiveMu       sync.RWMutex
	receiveLimiters map[string]*ipLimiter

	queryMu       sync.RWMutex
	queryLimiters map[string]*ipLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		receiveLimiters: make(map[string]*ipLimiter),
		queryLimiters:   make(map[string]*ipLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// ReceiveMiddleware はWebmention受信エンドポイント用のレート制限ミドルウェアを返す。
// 1件の受信がソースページのフェッチを伴うため、送信元IP単位で厳しめに制限する。
func (rl *RateLimiter) ReceiveMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := rl.getOrCreateReceiveLimiter(ip)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.ReceiveRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_ip", ip),
					slog.String("limit_type", "receive"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// QueryMiddleware は照会API用のレート制限ミドルウェアを返す。
// 受信エンドポイントのレート制限とは独立に動作する。
func (rl *RateLimiter) QueryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := rl.getOrCreateQueryLimiter(ip)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.QueryRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_ip", ip),
					slog.String("limit_type", "query"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ReceiveLimiterCount は現在管理されている受信リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) ReceiveLimiterCount() int {
	rl.receiveMu.RLock()
	defer rl.receiveMu.RUnlock()
	return len(rl.receiveLimiters)
}

// QueryLimiterCount は現在管理されている照会リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) QueryLimiterCount() int {
	rl.queryMu.RLock()
	defer rl.queryMu.RUnlock()
	return len(rl.queryLimiters)
}

// getOrCreateReceiveLimiter は送信元IPの受信リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateReceiveLimiter(ip string) *rate.Limiter {
	rl.receiveMu.RLock()
	il, exists := rl.receiveLimiters[ip]
	rl.receiveMu.RUnlock()

	if exists {
		rl.receiveMu.Lock()
		il.lastAccess = time.Now()
		rl.receiveMu.Unlock()
		return il.limiter
	}

	rl.receiveMu.Lock()
	defer rl.receiveMu.Unlock()

	// ダブルチェック
	if il, exists := rl.receiveLimiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(rl.config.ReceiveRate, rl.config.ReceiveBurst)
	rl.receiveLimiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateQueryLimiter は送信元IPの照会リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateQueryLimiter(ip string) *rate.Limiter {
	rl.queryMu.RLock()
	il, exists := rl.queryLimiters[ip]
	rl.queryMu.RUnlock()

	if exists {
		rl.queryMu.Lock()
		il.lastAccess = time.Now()
		rl.queryMu.Unlock()
		return il.limiter
	}

	rl.queryMu.Lock()
	defer rl.queryMu.Unlock()

	// ダブルチェック
	if il, exists := rl.queryLimiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(rl.config.QueryRate, rl.config.QueryBurst)
	rl.queryLimiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.receiveMu.Lock()
	for ip, il := range rl.receiveLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.receiveLimiters, ip)
		}
	}
	rl.receiveMu.Unlock()

	rl.queryMu.Lock()
	for ip, il := range rl.queryLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.queryLimiters, ip)
		}
	}
	rl.queryMu.Unlock()
}

// clientIP はレート制限のキーとなる送信元IPを求める。
// リバースプロキシ配下の運用を想定し、X-Forwarded-Forの先頭値を優先する。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
