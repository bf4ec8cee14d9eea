package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/mentiond/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	BaseURL    string

	// Outbound HTTP
	UserAgent    string
	HTTPTimeout  time.Duration
	FetchMaxSize int64

	// Incoming
	InitialMentionStatus model.Status

	// Outgoing
	SendConcurrency   int
	SendRetryInterval time.Duration
	SendMaxAttempts   int

	// Watcher
	WatchDir string

	// Feed polling
	SiteFeedURL      string
	FeedPollInterval time.Duration

	// Webhook
	WebhookURL string

	// Retention
	MentionRetentionDays int

	// Rate Limit
	RateLimitRPM int

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.UserAgent = getEnvString("USER_AGENT", "mentiond/1.0 (+https://github.com/hitoshi/mentiond)")
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.InitialMentionStatus = getEnvStatus("INITIAL_MENTION_STATUS", model.StatusConfirmed)
	cfg.SendConcurrency = getEnvInt("SEND_CONCURRENCY", 4)
	cfg.SendRetryInterval = getEnvDuration("SEND_RETRY_INTERVAL", 5*time.Minute)
	cfg.SendMaxAttempts = getEnvInt("SEND_MAX_ATTEMPTS", 5)
	cfg.WatchDir = getEnvString("WATCH_DIR", "")
	cfg.SiteFeedURL = getEnvString("SITE_FEED_URL", "")
	cfg.FeedPollInterval = getEnvDuration("FEED_POLL_INTERVAL", 15*time.Minute)
	cfg.WebhookURL = getEnvString("WEBHOOK_URL", "")
	cfg.MentionRetentionDays = getEnvInt("MENTION_RETENTION_DAYS", 0)
	cfg.RateLimitRPM = getEnvInt("RATE_LIMIT_RPM", 60)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvStatus(key string, defaultVal model.Status) model.Status {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	s, err := model.ParseStatus(v)
	if err != nil {
		return defaultVal
	}
	return s
}
