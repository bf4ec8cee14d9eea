package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mentiond/internal/model"
)

// PostgresRetryRepo はPostgreSQLを使用した送信再試行キューリポジトリ。
type PostgresRetryRepo struct {
	db *sql.DB
}

// NewPostgresRetryRepo はPostgresRetryRepoを生成する。
func NewPostgresRetryRepo(db *sql.DB) *PostgresRetryRepo {
	return &PostgresRetryRepo{db: db}
}

// Enqueue はソースURLの再試行予約をUPSERTする。
// UNIQUE(source)制約を利用し、既存予約は回数・エラー・予定時刻を上書きする。
func (r *PostgresRetryRepo) Enqueue(ctx context.Context, entry *model.RetryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO outgoing_retries (id, source, attempts, last_error, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source) DO UPDATE SET
		     attempts = EXCLUDED.attempts,
		     last_error = EXCLUDED.last_error,
		     next_attempt_at = EXCLUDED.next_attempt_at,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		entry.ID, entry.Source, entry.Attempts,
		nullString(entry.LastError), entry.NextAttemptAt,
		entry.CreatedAt, entry.UpdatedAt,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("再試行予約の保存に失敗しました: %w", err)
	}

	return nil
}

// FindBySource はソースURLの再試行予約を検索する。見つからない場合はnilを返す。
func (r *PostgresRetryRepo) FindBySource(ctx context.Context, source string) (*model.RetryEntry, error) {
	entry := &model.RetryEntry{}
	var lastError sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, source, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM outgoing_retries WHERE source = $1`,
		source,
	).Scan(
		&entry.ID, &entry.Source, &entry.Attempts, &lastError,
		&entry.NextAttemptAt, &entry.CreatedAt, &entry.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("再試行予約の検索に失敗しました: %w", err)
	}

	entry.LastError = nullStringValue(lastError)
	return entry, nil
}

// Due は実行時刻が来た再試行予約を予定時刻の古い順に最大limit件返す。
func (r *PostgresRetryRepo) Due(ctx context.Context, now time.Time, limit int) ([]*model.RetryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM outgoing_retries
		 WHERE next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("再試行予約の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.RetryEntry
	for rows.Next() {
		entry := &model.RetryEntry{}
		var lastError sql.NullString

		if err := rows.Scan(
			&entry.ID, &entry.Source, &entry.Attempts, &lastError,
			&entry.NextAttemptAt, &entry.CreatedAt, &entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("再試行予約行の読み取りに失敗しました: %w", err)
		}

		entry.LastError = nullStringValue(lastError)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再試行予約の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// Remove はソースURLの再試行予約を削除する。予約がなくてもエラーにしない。
func (r *PostgresRetryRepo) Remove(ctx context.Context, source string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM outgoing_retries WHERE source = $1`,
		source,
	)
	if err != nil {
		return fmt.Errorf("再試行予約の削除に失敗しました: %w", err)
	}

	return nil
}

// compile-time interface check
var _ RetryQueueRepository = (*PostgresRetryRepo)(nil)
