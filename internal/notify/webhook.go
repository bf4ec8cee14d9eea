// Package notify はWebmention処理イベントの外部通知を提供する。
// WEBHOOK_URL設定時に処理完了・削除のイベントをJSONでPOSTする。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/mentiond/internal/model"
)

// Client はWebhookエンドポイントへイベントを通知するクライアント。
// メソッドはmention.Callbackと同じシグネチャを持ち、そのまま
// コールバックとして配線できる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	webhookURL string
	userAgent  string
}

// NewClient はClient の新しいインスタンスを生成する。
func NewClient(webhookURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		webhookURL: webhookURL,
		userAgent:  userAgent,
	}
}

// mentionPayload はWebhook通知に載せるWebmentionの表現。
type mentionPayload struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Direction   string     `json:"direction"`
	Status      string     `json:"status"`
	MentionType string     `json:"mention_type"`
	Title       string     `json:"title,omitempty"`
	Excerpt     string     `json:"excerpt,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	AuthorURL   string     `json:"author_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// eventPayload はWebhookへPOSTされるボディ。
type eventPayload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Mention   mentionPayload `json:"mention"`
}

// NotifyProcessed はWebmentionの処理完了イベントを通知する。
func (c *Client) NotifyProcessed(ctx context.Context, mention *model.Webmention) error {
	return c.send(ctx, "processed", mention)
}

// NotifyDeleted はWebmentionの削除イベントを通知する。
func (c *Client) NotifyDeleted(ctx context.Context, mention *model.Webmention) error {
	return c.send(ctx, "deleted", mention)
}

// send はイベントをJSONエンコードしてWebhookへPOSTする。
// 2xx以外の応答はエラーとして返す（呼び出し元のコールバック隔離が失敗を吸収する）。
func (c *Client) send(ctx context.Context, event string, mention *model.Webmention) error {
	payload := eventPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Mention: mentionPayload{
			ID:          mention.ID,
			Source:      mention.Source,
			Target:      mention.Target,
			Direction:   string(mention.Direction),
			Status:      string(mention.Status),
			MentionType: string(mention.MentionType),
			Title:       mention.Title,
			Excerpt:     mention.Excerpt,
			AuthorName:  mention.AuthorName,
			AuthorURL:   mention.AuthorURL,
			PublishedAt: mention.Published,
			CreatedAt:   mention.CreatedAt,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("Webhookペイロードの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Webhookの呼び出しに失敗しました",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Webhookがエラーステータスを返しました",
			slog.String("event", event),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("Webhookがステータス %d を返しました", resp.StatusCode)
	}

	return nil
}
