package mention

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/mentiond/internal/metrics"
	"github.com/hitoshi/mentiond/internal/model"
)

// Callback は処理完了・撤回時に呼び出されるフック。
// 引数のWebmentionを書き換えると呼び出し側の永続化に反映される
// （モデレーションでstatusを差し替えるなど）。
type Callback func(ctx context.Context, mention *model.Webmention) error

// CallbackDispatcher はコールバック呼び出しをエンジン本体から隔離する。
// パニックと返却エラーを捕捉してログとメトリクスに記録し、決して伝播させない。
// プロトコル処理と永続化はコールバックの挙動に関係なく完了する。
type CallbackDispatcher struct {
	onProcessed Callback
	onDeleted   Callback
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// NewCallbackDispatcher はCallbackDispatcherを生成する。コールバックはnilでもよい。
func NewCallbackDispatcher(onProcessed, onDeleted Callback, logger *slog.Logger, collector metrics.MetricsCollector) *CallbackDispatcher {
	return &CallbackDispatcher{
		onProcessed: onProcessed,
		onDeleted:   onDeleted,
		logger:      logger,
		metrics:     collector,
	}
}

// DispatchProcessed は処理完了コールバックを呼び出す。
func (d *CallbackDispatcher) DispatchProcessed(ctx context.Context, mention *model.Webmention) {
	if d == nil {
		return
	}
	d.invoke(ctx, "processed", d.onProcessed, mention)
}

// DispatchDeleted は撤回コールバックを呼び出す。
func (d *CallbackDispatcher) DispatchDeleted(ctx context.Context, mention *model.Webmention) {
	if d == nil {
		return
	}
	d.invoke(ctx, "deleted", d.onDeleted, mention)
}

func (d *CallbackDispatcher) invoke(ctx context.Context, event string, cb Callback, mention *model.Webmention) {
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.recordFailure(event, mention, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := cb(ctx, mention); err != nil {
		d.recordFailure(event, mention, err)
	}
}

func (d *CallbackDispatcher) recordFailure(event string, mention *model.Webmention, err error) {
	if d.logger != nil {
		d.logger.Warn("コールバックの実行に失敗しました",
			slog.String("event", event),
			slog.String("source", mention.Source),
			slog.String("target", mention.Target),
			slog.String("direction", string(mention.Direction)),
			slog.String("error", err.Error()),
		)
	}
	if d.metrics != nil {
		d.metrics.RecordCallbackFailure(event)
	}
}
