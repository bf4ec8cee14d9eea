package mention

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/mentiond/internal/model"
	"github.com/hitoshi/mentiond/internal/parser"
)

// ProcessIncoming は受信したWebmention通知を検証して取り込む。
// 検証 → ソース取得 → リンク確認 → メタデータ抽出 → 永続化 → コールバックの順で進み、
// 検証はいかなるフェッチ・永続化よりも先に完了する。
// (source, target, incoming) を同一性キーとして冪等に動作し、
// ソースの消滅やリンクの消失は既存レコードの撤回として扱う。
func (s *Service) ProcessIncoming(ctx context.Context, source, target string) (*model.Webmention, error) {
	start := time.Now()
	s.metrics.RecordIncomingReceived()

	if err := s.validateIncoming(source, target); err != nil {
		s.rejectIncoming(source, target, "validation")
		return nil, err
	}

	if s.ssrfGuard != nil {
		if err := s.ssrfGuard.ValidateURL(source); err != nil {
			s.rejectIncoming(source, target, "ssrf")
			return nil, model.NewSSRFBlockedError()
		}
	}

	page, err := s.fetchPage(ctx, source)
	if err != nil {
		s.rejectIncoming(source, target, "unreachable")
		return nil, err
	}

	// 404/410はソース消滅。既存レコードがあれば撤回、なければ検証失敗。
	if page.StatusCode == http.StatusNotFound || page.StatusCode == http.StatusGone {
		return s.handleSourceGone(ctx, source, target, page.StatusCode, start)
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		s.rejectIncoming(source, target, "unreachable")
		return nil, model.NewResolutionError(source, fmt.Errorf("ステータスコード %d が返されました", page.StatusCode))
	}

	if !s.parser.MentionsTarget(page.Body, target) {
		existing, err := s.repo.FindByIdentity(ctx, source, target, model.DirectionIn)
		if err != nil {
			return nil, fmt.Errorf("既存Webmentionの検索に失敗しました: %w", err)
		}
		if existing != nil {
			// リンクが取り除かれた既知の言及は撤回として扱う
			return s.retractIncoming(ctx, existing, start)
		}
		s.rejectIncoming(source, target, "no_link")
		return nil, model.NewNoMentionFoundError(source, target)
	}

	// メタデータ抽出はベストエフォート。失敗しても受理は続行する。
	entry, err := s.parser.ParseEntry(page.FinalURL, page.Body, target)
	if err != nil {
		s.logger.Warn("メタデータの抽出に失敗しました",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		entry = nil
	}

	existing, err := s.repo.FindByIdentity(ctx, source, target, model.DirectionIn)
	if err != nil {
		return nil, fmt.Errorf("既存Webmentionの検索に失敗しました: %w", err)
	}

	mention := s.buildIncoming(source, target, entry, existing)
	if err := s.repo.Store(ctx, mention); err != nil {
		return nil, fmt.Errorf("Webmentionの保存に失敗しました: %w", err)
	}

	// コールバックがstatusを書き換えた場合は再保存する（モデレーションパターン）
	statusBefore := mention.Status
	s.dispatcher.DispatchProcessed(ctx, mention)
	if mention.Status != statusBefore {
		if err := s.repo.Store(ctx, mention); err != nil {
			return nil, fmt.Errorf("ステータス変更の保存に失敗しました: %w", err)
		}
	}

	s.metrics.RecordIncomingAccepted()
	s.metrics.RecordProcessingDuration(string(model.DirectionIn), time.Since(start))
	s.logger.Info("受信Webmentionを記録しました",
		slog.String("source", source),
		slog.String("target", target),
		slog.String("type", string(mention.MentionType)),
		slog.String("status", string(mention.Status)),
	)
	return mention, nil
}

// validateIncoming は受信通知の恒久的な検証を行う。
// ここで弾かれた通知はフェッチも永続化も発生しない。
func (s *Service) validateIncoming(source, target string) error {
	if err := model.ValidateAbsoluteURL(source); err != nil {
		return model.NewInvalidSourceError(source, err.Error())
	}
	if err := model.ValidateAbsoluteURL(target); err != nil {
		return model.NewInvalidTargetError(target, err.Error())
	}
	if source == target {
		return model.NewSelfMentionError(source)
	}

	targetURL, err := url.Parse(target)
	if err != nil || !strings.EqualFold(targetURL.Host, s.baseURL.Host) {
		return model.NewTargetNotLocalError(target, s.baseURL.String())
	}
	return nil
}

// handleSourceGone はソース404/410の処理を行う。
func (s *Service) handleSourceGone(ctx context.Context, source, target string, statusCode int, start time.Time) (*model.Webmention, error) {
	existing, err := s.repo.FindByIdentity(ctx, source, target, model.DirectionIn)
	if err != nil {
		return nil, fmt.Errorf("既存Webmentionの検索に失敗しました: %w", err)
	}
	if existing == nil {
		s.rejectIncoming(source, target, "gone")
		return nil, model.NewSourceGoneError(source, statusCode)
	}
	return s.retractIncoming(ctx, existing, start)
}

// retractIncoming は既存の受信Webmentionを論理削除し、撤回コールバックを呼ぶ。
func (s *Service) retractIncoming(ctx context.Context, existing *model.Webmention, start time.Time) (*model.Webmention, error) {
	if err := s.repo.Delete(ctx, existing.Source, existing.Target, model.DirectionIn); err != nil {
		return nil, fmt.Errorf("Webmentionの削除に失敗しました: %w", err)
	}

	existing.Status = model.StatusDeleted
	s.dispatcher.DispatchDeleted(ctx, existing)

	s.metrics.RecordProcessingDuration(string(model.DirectionIn), time.Since(start))
	s.logger.Info("受信Webmentionを撤回しました",
		slog.String("source", existing.Source),
		slog.String("target", existing.Target),
	)
	return existing, nil
}

// buildIncoming は受信Webmentionレコードを構築する。
// 既存レコードがある場合はIDと作成時刻を引き継ぎ、削除済み以外のステータスを維持する
// （モデレーション済みの判定が再通知で初期化されるのを防ぐ）。
// 削除済みの再通知は新しい主張として初期ステータスに戻す。
func (s *Service) buildIncoming(source, target string, entry *parser.Entry, existing *model.Webmention) *model.Webmention {
	mention := &model.Webmention{
		Source:         source,
		Target:         target,
		Direction:      model.DirectionIn,
		Status:         s.initialStatus,
		MentionType:    model.MentionTypeMention,
		MentionTypeRaw: "mention",
	}

	if entry != nil {
		mention.MentionType = entry.MentionType
		mention.MentionTypeRaw = entry.MentionTypeRaw
		mention.Title = entry.Title
		mention.Excerpt = entry.Excerpt
		mention.Content = entry.Content
		mention.AuthorName = entry.AuthorName
		mention.AuthorURL = entry.AuthorURL
		mention.AuthorPhoto = entry.AuthorPhoto
		mention.Published = entry.Published
		mention.Metadata = entry.Metadata
	}

	if existing != nil {
		mention.ID = existing.ID
		mention.CreatedAt = existing.CreatedAt
		if existing.Status != model.StatusDeleted {
			mention.Status = existing.Status
		}
	}

	return mention
}

// rejectIncoming は受信拒否をログとメトリクスに記録する。
func (s *Service) rejectIncoming(source, target, reason string) {
	s.metrics.RecordIncomingRejected(reason)
	s.logger.Info("受信Webmentionを拒否しました",
		slog.String("source", source),
		slog.String("target", target),
		slog.String("reason", reason),
	)
}
