package send

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/mentiond/internal/mention"
	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/repository"
)

// Retrier は送信処理を包み、一時的な失敗を再試行キューに予約するデコレータ。
// 処理結果とエラーはそのまま呼び出し元へ返すため、呼び出し側は
// 再試行の有無を意識せずに使える。
type Retrier struct {
	inner       OutgoingProcessor
	retryRepo   repository.RetryQueueRepository
	logger      *slog.Logger
	maxAttempts int
}

// NewRetrier はRetrierの新しいインスタンスを生成する。
// maxAttemptsが0以下の場合はデフォルト値5を使用する。
func NewRetrier(
	inner OutgoingProcessor,
	retryRepo repository.RetryQueueRepository,
	logger *slog.Logger,
	maxAttempts int,
) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Retrier{
		inner:       inner,
		retryRepo:   retryRepo,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// RetrierはOutgoingProcessorを満たす
var _ OutgoingProcessor = (*Retrier)(nil)

// ProcessOutgoing は内側の送信処理を呼び出し、一時的な失敗があれば
// 指数バックオフつきの再試行予約を登録する。
// 予約の登録失敗はログに記録するだけで、元の処理結果を変えない。
func (r *Retrier) ProcessOutgoing(ctx context.Context, source string, text *string, format model.ContentFormat) (*mention.OutgoingResult, error) {
	result, err := r.inner.ProcessOutgoing(ctx, source, text, format)
	if !isRetryable(result, err) {
		return result, err
	}

	// 既存の予約があれば試行回数を引き継ぐ。失敗し続けるソースが
	// 編集のたびに回数リセットで際限なく再試行されるのを防ぐ。
	attempts := 1
	if existing, findErr := r.retryRepo.FindBySource(ctx, source); findErr != nil {
		r.logger.Error("再試行予約の検索に失敗しました",
			slog.String("source", source),
			slog.String("error", findErr.Error()),
		)
	} else if existing != nil {
		attempts = existing.Attempts + 1
	}

	reason := failureReason(result, err)

	if attempts >= r.maxAttempts {
		r.logger.Warn("再試行回数が上限に達したため送信を断念します",
			slog.String("source", source),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", r.maxAttempts),
			slog.String("error", reason),
		)
		if rmErr := r.retryRepo.Remove(ctx, source); rmErr != nil {
			r.logger.Error("再試行予約の削除に失敗しました",
				slog.String("source", source),
				slog.String("error", rmErr.Error()),
			)
		}
		return result, err
	}

	entry := &model.RetryEntry{
		Source:        source,
		Attempts:      attempts,
		LastError:     reason,
		NextAttemptAt: time.Now().Add(CalculateBackoff(attempts - 1)),
	}
	if qErr := r.retryRepo.Enqueue(ctx, entry); qErr != nil {
		r.logger.Error("再試行予約の登録に失敗しました",
			slog.String("source", source),
			slog.String("error", qErr.Error()),
		)
		return result, err
	}

	r.logger.Info("一時的な失敗のため再試行を予約しました",
		slog.String("source", source),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", entry.NextAttemptAt),
	)
	return result, err
}
