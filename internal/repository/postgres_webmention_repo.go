package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mentiond/internal/model"
)

// PostgresWebmentionRepo はPostgreSQLを使用したWebmentionリポジトリ。
type PostgresWebmentionRepo struct {
	db *sql.DB
}

// NewPostgresWebmentionRepo はPostgresWebmentionRepoを生成する。
func NewPostgresWebmentionRepo(db *sql.DB) *PostgresWebmentionRepo {
	return &PostgresWebmentionRepo{db: db}
}

// Store は同一性キー (source, target, direction) でWebmentionをUPSERTする。
// 衝突時は既存レコードのIDとcreated_atを維持したまま内容を上書きし、
// RETURNINGで確定した値を引数のmentionに書き戻す。
func (r *PostgresWebmentionRepo) Store(ctx context.Context, m *model.Webmention) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	var metadata []byte
	if len(m.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("メタデータのJSON変換に失敗しました: %w", err)
		}
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO webmentions (id, source, target, direction, status,
		        mention_type, mention_type_raw, title, excerpt, content,
		        author_name, author_url, author_photo, published_at, metadata,
		        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (source, target, direction) DO UPDATE SET
		     status = EXCLUDED.status,
		     mention_type = EXCLUDED.mention_type,
		     mention_type_raw = EXCLUDED.mention_type_raw,
		     title = EXCLUDED.title,
		     excerpt = EXCLUDED.excerpt,
		     content = EXCLUDED.content,
		     author_name = EXCLUDED.author_name,
		     author_url = EXCLUDED.author_url,
		     author_photo = EXCLUDED.author_photo,
		     published_at = EXCLUDED.published_at,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		m.ID, m.Source, m.Target, m.Direction, m.Status,
		m.MentionType, nullString(m.MentionTypeRaw),
		nullString(m.Title), nullString(m.Excerpt), nullString(m.Content),
		nullString(m.AuthorName), nullString(m.AuthorURL), nullString(m.AuthorPhoto),
		m.Published, metadata,
		m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("Webmentionの保存に失敗しました: %w", err)
	}

	return nil
}

// FindByIdentity は同一性キーでWebmentionを検索する。見つからない場合はnilを返す。
func (r *PostgresWebmentionRepo) FindByIdentity(ctx context.Context, source, target string, direction model.Direction) (*model.Webmention, error) {
	m := &model.Webmention{}
	var mentionTypeRaw, title, excerpt, content sql.NullString
	var authorName, authorURL, authorPhoto sql.NullString
	var publishedAt sql.NullTime
	var metadata []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, source, target, direction, status,
		        mention_type, mention_type_raw, title, excerpt, content,
		        author_name, author_url, author_photo, published_at, metadata,
		        created_at, updated_at
		 FROM webmentions
		 WHERE source = $1 AND target = $2 AND direction = $3`,
		source, target, direction,
	).Scan(
		&m.ID, &m.Source, &m.Target, &m.Direction, &m.Status,
		&m.MentionType, &mentionTypeRaw, &title, &excerpt, &content,
		&authorName, &authorURL, &authorPhoto, &publishedAt, &metadata,
		&m.CreatedAt, &m.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Webmentionの検索に失敗しました: %w", err)
	}

	m.MentionTypeRaw = nullStringValue(mentionTypeRaw)
	m.Title = nullStringValue(title)
	m.Excerpt = nullStringValue(excerpt)
	m.Content = nullStringValue(content)
	m.AuthorName = nullStringValue(authorName)
	m.AuthorURL = nullStringValue(authorURL)
	m.AuthorPhoto = nullStringValue(authorPhoto)
	if publishedAt.Valid {
		m.Published = &publishedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("メタデータのJSON解釈に失敗しました: %w", err)
		}
	}

	return m, nil
}

// Retrieve は指定リソースの確認済みWebmention一覧をcreated_at昇順で取得する。
// incomingはリソースをtargetとして、outgoingはsourceとして照合する。
func (r *PostgresWebmentionRepo) Retrieve(ctx context.Context, resource string, direction model.Direction) ([]*model.Webmention, error) {
	baseQuery := `
		SELECT id, source, target, direction, status,
		       mention_type, mention_type_raw, title, excerpt, content,
		       author_name, author_url, author_photo, published_at, metadata,
		       created_at, updated_at
		FROM webmentions
		WHERE direction = $1 AND status = $2`

	// 受信はtarget、送信はsourceがリソースに一致するものを返す
	if direction == model.DirectionOut {
		baseQuery += " AND source = $3"
	} else {
		baseQuery += " AND target = $3"
	}
	baseQuery += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, baseQuery, direction, model.StatusConfirmed, resource)
	if err != nil {
		return nil, fmt.Errorf("Webmention一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var mentions []*model.Webmention
	for rows.Next() {
		m := &model.Webmention{}
		var mentionTypeRaw, title, excerpt, content sql.NullString
		var authorName, authorURL, authorPhoto sql.NullString
		var publishedAt sql.NullTime
		var metadata []byte

		if err := rows.Scan(
			&m.ID, &m.Source, &m.Target, &m.Direction, &m.Status,
			&m.MentionType, &mentionTypeRaw, &title, &excerpt, &content,
			&authorName, &authorURL, &authorPhoto, &publishedAt, &metadata,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("Webmention行の読み取りに失敗しました: %w", err)
		}

		m.MentionTypeRaw = nullStringValue(mentionTypeRaw)
		m.Title = nullStringValue(title)
		m.Excerpt = nullStringValue(excerpt)
		m.Content = nullStringValue(content)
		m.AuthorName = nullStringValue(authorName)
		m.AuthorURL = nullStringValue(authorURL)
		m.AuthorPhoto = nullStringValue(authorPhoto)
		if publishedAt.Valid {
			m.Published = &publishedAt.Time
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("メタデータのJSON解釈に失敗しました: %w", err)
			}
		}

		mentions = append(mentions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Webmention一覧の走査に失敗しました: %w", err)
	}

	return mentions, nil
}

// Delete は同一性キーでWebmentionを論理削除する。
// レコード自体は残してstatusをdeletedにする。対象がなくてもエラーにしない。
func (r *PostgresWebmentionRepo) Delete(ctx context.Context, source, target string, direction model.Direction) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webmentions SET status = $4, updated_at = $5
		 WHERE source = $1 AND target = $2 AND direction = $3`,
		source, target, direction, model.StatusDeleted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("Webmentionの削除に失敗しました: %w", err)
	}

	return nil
}

// ListTargetsBySource は指定ソースから送信済みのターゲットURL一覧を返す。
// 論理削除済みは含まない。送信差分の「前回集合」として使用する。
func (r *PostgresWebmentionRepo) ListTargetsBySource(ctx context.Context, source string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT target FROM webmentions
		 WHERE source = $1 AND direction = $2 AND status != $3
		 ORDER BY created_at ASC`,
		source, model.DirectionOut, model.StatusDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("送信先一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("送信先行の読み取りに失敗しました: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信先一覧の走査に失敗しました: %w", err)
	}

	return targets, nil
}

// PurgeDeleted は指定時刻より前に論理削除されたレコードを物理削除し、削除件数を返す。
func (r *PostgresWebmentionRepo) PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webmentions WHERE status = $1 AND updated_at < $2`,
		model.StatusDeleted, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("削除済みWebmentionの整理に失敗しました: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("整理件数の取得に失敗しました: %w", err)
	}

	return count, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ WebmentionRepository = (*PostgresWebmentionRepo)(nil)
