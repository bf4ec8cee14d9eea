package send

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/repository"
)

// OutgoingProcessor は送信Webmention処理の実行インターフェース。
// mention.Service がそのまま満たす。
type OutgoingProcessor interface {
	// ProcessOutgoing はソースURLの現在の内容に基づき送信と撤回を行う。
	ProcessOutgoing(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error)
}

// dueBatchLimit は1サイクルで取り出す再試行予約の最大件数。
const dueBatchLimit = 50

// Scheduler は送信再試行のスケジューリングと並列制御を行う。
// ティッカーで実行時刻が来た予約を取得し、semaphoreパターンで
// 最大並列数を制御しながら送信処理をやり直す。
// キューはソースURLごとに1件なので、並列実行しても同一ソースの処理は重ならない。
type Scheduler struct {
	retryRepo      repository.RetryQueueRepository
	processor      OutgoingProcessor
	logger         *slog.Logger
	maxConcurrency int
	maxAttempts    int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4、
// maxAttemptsが0以下の場合はデフォルト値5を使用する。
func NewScheduler(
	retryRepo repository.RetryQueueRepository,
	processor OutgoingProcessor,
	logger *slog.Logger,
	maxConcurrency int,
	maxAttempts int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Scheduler{
		retryRepo:      retryRepo,
		processor:      processor,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		maxAttempts:    maxAttempts,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("送信再試行スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
		slog.Int("max_attempts", s.maxAttempts),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("再試行サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("送信再試行スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("再試行サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は実行時刻が来た再試行予約を1回分取得し、並列で送信をやり直す。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	entries, err := s.retryRepo.Due(ctx, time.Now(), dueBatchLimit)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		s.logger.Info("実行時刻が来た再試行予約はありません")
		return nil
	}

	s.logger.Info("再試行サイクルを開始します",
		slog.Int("entry_count", len(entries)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, entry := range entries {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(e *model.RetryEntry) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			s.processEntry(ctx, e)
		}(entry)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("再試行サイクルが完了しました",
		slog.Int("entry_count", len(entries)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// processEntry は1件の再試行予約を処理する。textにはnilを渡し、
// ソースの現在の本文を取得し直して差分から再計算させる。
// 成功と恒久的な失敗は予約を削除し、一時的な失敗は次回の予約に置き換える。
func (s *Scheduler) processEntry(ctx context.Context, entry *model.RetryEntry) {
	result, err := s.processor.ProcessOutgoing(ctx, entry.Source, nil, "")

	if !isRetryable(result, err) {
		if err != nil {
			// 検証エラーなどは再試行しても成功しない
			s.logger.Warn("恒久的なエラーのため再試行を打ち切ります",
				slog.String("source", entry.Source),
				slog.Int("attempts", entry.Attempts),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Info("再試行の送信処理が完了しました",
				slog.String("source", entry.Source),
				slog.Int("attempts", entry.Attempts),
			)
		}
		s.removeEntry(ctx, entry.Source)
		return
	}

	attempts := entry.Attempts + 1
	reason := failureReason(result, err)

	if attempts >= s.maxAttempts {
		s.logger.Warn("再試行回数が上限に達したため送信を断念します",
			slog.String("source", entry.Source),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", s.maxAttempts),
			slog.String("error", reason),
		)
		s.removeEntry(ctx, entry.Source)
		return
	}

	next := &model.RetryEntry{
		Source:        entry.Source,
		Attempts:      attempts,
		LastError:     reason,
		NextAttemptAt: time.Now().Add(CalculateBackoff(attempts - 1)),
	}
	if qErr := s.retryRepo.Enqueue(ctx, next); qErr != nil {
		s.logger.Error("再試行予約の更新に失敗しました",
			slog.String("source", entry.Source),
			slog.String("error", qErr.Error()),
		)
		return
	}

	s.logger.Info("一時的な失敗のため再試行を予約し直しました",
		slog.String("source", entry.Source),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next.NextAttemptAt),
	)
}

func (s *Scheduler) removeEntry(ctx context.Context, source string) {
	if err := s.retryRepo.Remove(ctx, source); err != nil {
		s.logger.Error("再試行予約の削除に失敗しました",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}
}
