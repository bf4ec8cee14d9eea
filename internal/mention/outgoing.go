package mention

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/mentiond/internal/model"
)

// TargetError は送信先単位の一時的な失敗を表す。
type TargetError struct {
	Target string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e TargetError) Error() string {
	return fmt.Sprintf("%s への送信に失敗しました: %v", e.Target, e.Err)
}

// Unwrap は原因エラーを返す。
func (e TargetError) Unwrap() error { return e.Err }

// OutgoingResult は1ソースの送信処理の結果集計。
type OutgoingResult struct {
	Sent      []string      // 新規に通知して記録したターゲット
	Retracted []string      // 撤回したターゲット
	Skipped   []string      // エンドポイント未対応などでスキップしたターゲット
	Failed    []TargetError // 一時的な失敗（再試行で解消しうる）
}

// HasFailures は再試行可能な失敗が残っているかを返す。
func (r *OutgoingResult) HasFailures() bool {
	return len(r.Failed) > 0
}

// sendOutcome は1ターゲット送信の分類。
type sendOutcome int

const (
	// sendOutcomeSent は送信成功（記録済み）。
	sendOutcomeSent sendOutcome = iota
	// sendOutcomeSkipped はエンドポイント未対応などの恒久的スキップ。
	sendOutcomeSkipped
	// sendOutcomeFailed は一時的な失敗。該当ターゲットは何も永続化しない。
	sendOutcomeFailed
	// sendOutcomeStorageError は永続化の失敗。呼び出し元へ伝播する。
	sendOutcomeStorageError
)

// ProcessOutgoing はソースページの現在の言及と保存済みの送信記録を突き合わせ、
// 新規ターゲットへの通知と消えたターゲットへの撤回を行う。
// textがnilの場合はソースURLをフェッチして本文を得る。空の本文は全件撤回を意味する。
// 同一ソースの処理は直列化され、変化のないターゲットにはネットワークアクセスが発生しない。
// 送信はsemaphoreで並列数を制御し、一時的な失敗はOutgoingResult.Failedに記録される。
func (s *Service) ProcessOutgoing(ctx context.Context, source string, text *string, format model.ContentFormat) (*OutgoingResult, error) {
	start := time.Now()

	if err := model.ValidateAbsoluteURL(source); err != nil {
		return nil, model.NewInvalidSourceError(source, err.Error())
	}

	lock := s.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()

	content, format, err := s.resolveContent(ctx, source, text, format)
	if err != nil {
		return nil, err
	}

	current, err := s.parser.ExtractTargets(source, content, format)
	if err != nil {
		return nil, model.NewInvalidSourceError(source, err.Error())
	}

	previous, err := s.repo.ListTargetsBySource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("送信済みターゲットの取得に失敗しました: %w", err)
	}

	toSend, toRetract := diffTargets(source, current, previous)

	s.logger.Info("送信処理を開始します",
		slog.String("source", source),
		slog.Int("current", len(current)),
		slog.Int("to_send", len(toSend)),
		slog.Int("to_retract", len(toRetract)),
	)

	result := &OutgoingResult{}
	var resultMu sync.Mutex
	var storeErr error

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.sendConcurrency)
	var wg sync.WaitGroup

	for _, target := range toSend {
		wg.Add(1)
		sem <- struct{}{}

		go func(t string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.sendToTarget(ctx, source, t)

			resultMu.Lock()
			defer resultMu.Unlock()
			switch outcome {
			case sendOutcomeSent:
				result.Sent = append(result.Sent, t)
			case sendOutcomeSkipped:
				result.Skipped = append(result.Skipped, t)
			case sendOutcomeFailed:
				result.Failed = append(result.Failed, TargetError{Target: t, Err: err})
			case sendOutcomeStorageError:
				if storeErr == nil {
					storeErr = err
				}
			}
		}(target)
	}
	wg.Wait()

	for _, target := range toRetract {
		wg.Add(1)
		sem <- struct{}{}

		go func(t string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.retractTarget(ctx, source, t)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				if storeErr == nil {
					storeErr = err
				}
				return
			}
			result.Retracted = append(result.Retracted, t)
		}(target)
	}
	wg.Wait()

	if storeErr != nil {
		return result, storeErr
	}

	sortResult(result)
	s.metrics.RecordProcessingDuration(string(model.DirectionOut), time.Since(start))
	s.logger.Info("送信処理が完了しました",
		slog.String("source", source),
		slog.Int("sent", len(result.Sent)),
		slog.Int("retracted", len(result.Retracted)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// resolveContent は送信処理の入力本文を決定する。
// textが与えられればそれを使い、nilならソースURLをフェッチする。
// ソースの404/410は本文なし（全件撤回）として扱う。
func (s *Service) resolveContent(ctx context.Context, source string, text *string, format model.ContentFormat) (string, model.ContentFormat, error) {
	if text != nil {
		return *text, format, nil
	}

	if s.ssrfGuard != nil {
		if err := s.ssrfGuard.ValidateURL(source); err != nil {
			return "", format, model.NewSSRFBlockedError()
		}
	}

	page, err := s.fetchPage(ctx, source)
	if err != nil {
		return "", format, err
	}

	if page.StatusCode == http.StatusNotFound || page.StatusCode == http.StatusGone {
		s.logger.Info("ソースページが存在しないため全ターゲットを撤回します",
			slog.String("source", source),
			slog.Int("status", page.StatusCode),
		)
		return "", format, nil
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return "", format, model.NewResolutionError(source, fmt.Errorf("ステータスコード %d が返されました", page.StatusCode))
	}

	if format == "" {
		format = model.FormatFromMediaType(page.ContentType)
	}
	return page.Body, format, nil
}

// diffTargets は現在の言及と送信済み記録の差分を取る。自ページへのリンクは除外する。
func diffTargets(source string, current, previous []string) (toSend, toRetract []string) {
	currentSet := make(map[string]struct{}, len(current))
	for _, t := range current {
		if t == source {
			continue
		}
		currentSet[t] = struct{}{}
	}
	previousSet := make(map[string]struct{}, len(previous))
	for _, t := range previous {
		previousSet[t] = struct{}{}
	}

	for t := range currentSet {
		if _, ok := previousSet[t]; !ok {
			toSend = append(toSend, t)
		}
	}
	for t := range previousSet {
		if _, ok := currentSet[t]; !ok {
			toRetract = append(toRetract, t)
		}
	}

	sort.Strings(toSend)
	sort.Strings(toRetract)
	return toSend, toRetract
}

// sendToTarget は1ターゲットへの送信を行う。
// エンドポイント解決 → フォームPOST → 送信記録の保存 → 処理完了コールバック。
func (s *Service) sendToTarget(ctx context.Context, source, target string) (sendOutcome, error) {
	res, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		s.metrics.RecordDiscovery("error")
		if model.IsTransient(err) {
			s.metrics.RecordOutgoingFailed()
			return sendOutcomeFailed, err
		}
		// 検証系の拒否は再試行しても変わらないためスキップに分類する
		s.metrics.RecordOutgoingUnsupported()
		s.logger.Warn("ターゲットを送信対象から除外します",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return sendOutcomeSkipped, nil
	}
	if !res.Supported() {
		s.metrics.RecordDiscovery("unsupported")
		s.metrics.RecordOutgoingUnsupported()
		return sendOutcomeSkipped, nil
	}
	s.metrics.RecordDiscovery("supported")

	if err := s.deliver(ctx, res.Endpoint, source, target); err != nil {
		if model.IsTransient(err) {
			s.metrics.RecordOutgoingFailed()
			return sendOutcomeFailed, err
		}
		s.metrics.RecordOutgoingUnsupported()
		s.logger.Warn("エンドポイントに送信を拒否されました",
			slog.String("target", target),
			slog.String("endpoint", res.Endpoint),
			slog.String("error", err.Error()),
		)
		return sendOutcomeSkipped, nil
	}

	mention := &model.Webmention{
		Source:         source,
		Target:         target,
		Direction:      model.DirectionOut,
		Status:         model.StatusConfirmed,
		MentionType:    model.MentionTypeMention,
		MentionTypeRaw: "mention",
	}
	if err := s.repo.Store(ctx, mention); err != nil {
		return sendOutcomeStorageError, fmt.Errorf("送信記録の保存に失敗しました: %w", err)
	}

	s.dispatcher.DispatchProcessed(ctx, mention)
	s.metrics.RecordOutgoingSent()
	s.logger.Info("Webmentionを送信しました",
		slog.String("source", source),
		slog.String("target", target),
		slog.String("endpoint", res.Endpoint),
	)
	return sendOutcomeSent, nil
}

// retractTarget は1ターゲットへの撤回を行う。
// 再通知はベストエフォートで、失敗してもローカルの論理削除は必ず実行する。
// 受け手は再検証でリンクの消滅を確認し、自分側の記録を削除する。
func (s *Service) retractTarget(ctx context.Context, source, target string) error {
	res, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		s.logger.Warn("撤回通知のエンドポイント解決に失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	} else if res.Supported() {
		if err := s.deliver(ctx, res.Endpoint, source, target); err != nil {
			s.logger.Warn("撤回通知の送信に失敗しました",
				slog.String("target", target),
				slog.String("endpoint", res.Endpoint),
				slog.String("error", err.Error()),
			)
		}
	}

	existing, err := s.repo.FindByIdentity(ctx, source, target, model.DirectionOut)
	if err != nil {
		return fmt.Errorf("送信記録の検索に失敗しました: %w", err)
	}
	if err := s.repo.Delete(ctx, source, target, model.DirectionOut); err != nil {
		return fmt.Errorf("送信記録の削除に失敗しました: %w", err)
	}

	if existing == nil {
		existing = &model.Webmention{Source: source, Target: target, Direction: model.DirectionOut}
	}
	existing.Status = model.StatusDeleted
	s.dispatcher.DispatchDeleted(ctx, existing)

	s.metrics.RecordOutgoingRetracted()
	s.logger.Info("Webmentionを撤回しました",
		slog.String("source", source),
		slog.String("target", target),
	)
	return nil
}

// deliver はエンドポイントへフォームエンコードの通知をPOSTする。
// 2xxを成功、5xxとネットワーク失敗を一時的エラー、それ以外を恒久的な拒否として返す。
func (s *Service) deliver(ctx context.Context, endpoint, source, target string) error {
	if s.ssrfGuard != nil {
		if err := s.ssrfGuard.ValidateURL(endpoint); err != nil {
			return model.NewSSRFBlockedError()
		}
	}

	form := url.Values{}
	form.Set("source", source)
	form.Set("target", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.getHTTPClient().Do(req)
	if err != nil {
		return model.NewResolutionError(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return model.NewResolutionError(endpoint, fmt.Errorf("サーバエラー応答: status=%d", resp.StatusCode))
	}
	return fmt.Errorf("エンドポイントに拒否されました: status=%d", resp.StatusCode)
}

func sortResult(result *OutgoingResult) {
	sort.Strings(result.Sent)
	sort.Strings(result.Retracted)
	sort.Strings(result.Skipped)
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].Target < result.Failed[j].Target
	})
}
