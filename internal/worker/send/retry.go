// Package send は送信Webmentionのバックグラウンド再試行処理を提供する。
// 一時的な失敗の予約、指数バックオフ、再試行スケジューラを含む。
package send

import (
	"fmt"
	"time"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
	// defaultMaxAttempts は送信を断念するまでのデフォルト試行回数。
	defaultMaxAttempts = 5
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// isRetryable は送信処理の結果が再試行に値するかを判定する。
// ソース全体の一時的な失敗（本文フェッチ不能）と、一部ターゲットへの
// 送信だけが失敗した場合の両方を対象にする。検証エラーは対象外。
func isRetryable(result *mention.OutgoingResult, err error) bool {
	if err != nil {
		return model.IsTransient(err)
	}
	return result != nil && result.HasFailures()
}

// failureReason は再試行予約に記録する失敗内容を組み立てる。
func failureReason(result *mention.OutgoingResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result == nil || len(result.Failed) == 0 {
		return ""
	}
	first := result.Failed[0].Error()
	if len(result.Failed) == 1 {
		return first
	}
	return fmt.Sprintf("%s ほか%d件", first, len(result.Failed)-1)
}
