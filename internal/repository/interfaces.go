// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/mentiond/internal/model"
)

// WebmentionRepository はWebmention記録の永続化インターフェース。
type WebmentionRepository interface {
	// Store は同一性キー (source, target, direction) でWebmentionをUPSERTする。
	// 既存レコードがある場合はIDとcreated_atを維持したまま内容を更新し、
	// updated_atを進める。確定後のID・時刻は引数のmentionに書き戻される。
	Store(ctx context.Context, mention *model.Webmention) error

	// FindByIdentity は同一性キーでWebmentionを検索する。
	// ステータスを問わず返す。見つからない場合はnilを返す。
	FindByIdentity(ctx context.Context, source, target string, direction model.Direction) (*model.Webmention, error)

	// Retrieve は指定リソースの確認済み（confirmed）Webmention一覧をcreated_at昇順で返す。
	// incoming はtargetがリソースに一致するもの、outgoing はsourceが一致するもの。
	// 論理削除済みとモデレーション待ちのレコードは含まれない。
	Retrieve(ctx context.Context, resource string, direction model.Direction) ([]*model.Webmention, error)

	// Delete は同一性キーで論理削除する。レコードは同一性維持のため残り、
	// statusがdeletedになる。対象が存在しない場合も成功として扱う（冪等）。
	Delete(ctx context.Context, source, target string, direction model.Direction) error

	// ListTargetsBySource は指定ソースから送信済み（論理削除を除く）の
	// ターゲットURL一覧を返す。送信側の差分計算に使用する。
	ListTargetsBySource(ctx context.Context, source string) ([]string, error)

	// PurgeDeleted は指定時刻より前に論理削除されたレコードを物理削除し、件数を返す。
	PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error)
}

// RetryQueueRepository は送信再試行キューの永続化インターフェース。
type RetryQueueRepository interface {
	// Enqueue はソースURLの再試行予約をUPSERTする。
	// 既存の予約がある場合は試行回数・直近エラー・実行予定時刻を上書きする。
	Enqueue(ctx context.Context, entry *model.RetryEntry) error

	// FindBySource はソースURLの予約を検索する。見つからない場合はnilを返す。
	FindBySource(ctx context.Context, source string) (*model.RetryEntry, error)

	// Due は実行時刻が来た予約を実行予定時刻の古い順に最大limit件返す。
	Due(ctx context.Context, now time.Time, limit int) ([]*model.RetryEntry, error)

	// Remove はソースURLの予約を削除する。存在しない場合も成功として扱う（冪等）。
	Remove(ctx context.Context, source string) error
}
