// Package cleanup は古いレコードの自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過した論理削除済みWebmentionと、
// 更新が止まったまま放置された送信再試行予約を日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// MentionPurger は論理削除済みWebmentionの物理削除インターフェース。
// repository.WebmentionRepository がそのまま満たす。
type MentionPurger interface {
	// PurgeDeleted は指定時刻より前に論理削除されたレコードを物理削除し、件数を返す。
	PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error)
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した古いレコードの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	mentions      MentionPurger
	db            Executor
	logger        *slog.Logger
	RetentionDays int // レコードの保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は180日。
func NewCleanupJob(mentions MentionPurger, db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		mentions:      mentions,
		db:            db,
		logger:        logger,
		RetentionDays: 180,
	}
}

// Run は保持期間を超過したレコードを削除する。
// 論理削除からRetentionDays日が経過したWebmentionを物理削除し、
// 同期間更新のない送信再試行予約も取り除く。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	cutoff := start.AddDate(0, 0, -j.RetentionDays)
	purgedMentions, err := j.mentions.PurgeDeleted(ctx, cutoff)
	if err != nil {
		j.logger.Error("論理削除済みWebmentionの物理削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("論理削除済みWebmentionの物理削除に失敗: %w", err)
	}

	// 再試行予約はソース単位でUPSERTされ続ける限りupdated_atが進む。
	// 保持期間更新がない予約はワーカーが処理できなくなった残骸として扱う。
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM outgoing_retries WHERE updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("送信再試行予約の掃除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("送信再試行予約の掃除に失敗: %w", err)
	}

	purgedRetries, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("purged_mentions", purgedMentions),
		slog.Int64("purged_retries", purgedRetries),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
