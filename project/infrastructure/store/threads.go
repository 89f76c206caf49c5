package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"support-bot/project/domain"
)

// ThreadStore は domain.ThreadRepository の PostgreSQL 実装です
type ThreadStore struct {
	db *sql.DB
}

// NewThreadStore はスレッドストアを作成します
func NewThreadStore(db *sql.DB) *ThreadStore {
	return &ThreadStore{db: db}
}

const threadColumns = `channel, root_ts, root_text, root_user, root_team, replies, reply_count, category`

// ReplaceChannel は指定チャンネルのスレッドを1トランザクションで置き換えます
// ルートTSが重複している場合は何も書き込まず domain.ErrInvalid を返します。
// 置き換え後に存在しないスレッドの埋め込みも同じトランザクションで削除します
func (s *ThreadStore) ReplaceChannel(ctx context.Context, channel string, threads []domain.Thread) error {
	if channel == "" {
		return fmt.Errorf("postgres: ReplaceChannel検証失敗: %w", domain.ErrInvalid)
	}
	seen := make(map[string]struct{}, len(threads))
	for _, th := range threads {
		if _, dup := seen[th.RootTimestamp]; dup {
			return fmt.Errorf("postgres: ルートTSが重複しています (thread=%s): %w", domain.ThreadKey(channel, th.RootTimestamp), domain.ErrInvalid)
		}
		seen[th.RootTimestamp] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: トランザクション開始失敗 (channel=%s): %w", channel, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// 再取り込みで既存の分類結果を失わないよう退避
	existing, err := loadCategories(ctx, tx, channel)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE channel = $1`, channel); err != nil {
		return fmt.Errorf("postgres: 既存スレッド削除失敗 (channel=%s): %w", channel, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("postgres: INSERT準備失敗: %w", err)
	}
	defer stmt.Close()

	for _, th := range threads {
		replies, err := json.Marshal(nonNilMessages(th.Replies))
		if err != nil {
			return fmt.Errorf("postgres: 返信JSON化失敗 (thread=%s): %w", th.Key(), err)
		}
		category := th.Category
		if category == "" {
			category = existing[th.RootTimestamp]
		}
		if _, err := stmt.ExecContext(
			ctx,
			channel,
			th.RootTimestamp,
			th.Root.Text,
			th.Root.User,
			th.Root.Team,
			replies,
			len(th.Replies),
			nullString(category),
		); err != nil {
			return fmt.Errorf("postgres: スレッド保存失敗 (thread=%s): %w", th.Key(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM thread_embeddings e
		WHERE e.channel = $1
		  AND NOT EXISTS (
		    SELECT 1 FROM threads t WHERE t.channel = e.channel AND t.root_ts = e.root_ts
		  )
	`, channel); err != nil {
		return fmt.Errorf("postgres: 不要な埋め込み削除失敗 (channel=%s): %w", channel, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: コミット失敗 (channel=%s): %w", channel, err)
	}
	return nil
}

// ListUncategorized はカテゴリ未設定のスレッドを最大limit件取得します
func (s *ThreadStore) ListUncategorized(ctx context.Context, limit int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE category IS NULL
		ORDER BY channel, root_ts
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: 未分類スレッド取得失敗: %w", err)
	}
	return scanThreads(rows)
}

// ListForEmbedding はカテゴリ設定済みのスレッドを取得します
func (s *ThreadStore) ListForEmbedding(ctx context.Context, channel string) ([]domain.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE category IS NOT NULL
		  AND ($1 = '' OR channel = $1)
		ORDER BY channel, root_ts
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("postgres: 埋め込み対象スレッド取得失敗 (channel=%s): %w", channel, err)
	}
	return scanThreads(rows)
}

// SetCategory はスレッドのカテゴリを設定します
func (s *ThreadStore) SetCategory(ctx context.Context, channel, rootTS, category string) error {
	if category == "" {
		return fmt.Errorf("postgres: SetCategory検証失敗: %w", domain.ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET category = $3, updated_at = now()
		WHERE channel = $1 AND root_ts = $2
	`, channel, rootTS, category)
	if err != nil {
		return fmt.Errorf("postgres: カテゴリ更新失敗 (thread=%s): %w", domain.ThreadKey(channel, rootTS), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: 更新件数取得失敗: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteRange はルートTSが [fromTS, toTS] に含まれるスレッドを削除します
func (s *ThreadStore) DeleteRange(ctx context.Context, fromTS, toTS string) (int64, error) {
	if err := validateRange(fromTS, toTS); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM threads
		WHERE root_ts::numeric BETWEEN $1::numeric AND $2::numeric
	`, fromTS, toTS)
	if err != nil {
		return 0, fmt.Errorf("postgres: 期間削除失敗 (from=%s, to=%s): %w", fromTS, toTS, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: 削除件数取得失敗: %w", err)
	}
	return n, nil
}

// ===== ヘルパー関数 =====

// loadCategories はチャンネル内の分類済みスレッドのカテゴリを取得します
func loadCategories(ctx context.Context, tx *sql.Tx, channel string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT root_ts, category FROM threads
		WHERE channel = $1 AND category IS NOT NULL
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("postgres: 既存カテゴリ取得失敗 (channel=%s): %w", channel, err)
	}
	defer rows.Close()

	categories := make(map[string]string)
	for rows.Next() {
		var ts, category string
		if err := rows.Scan(&ts, &category); err != nil {
			return nil, fmt.Errorf("postgres: 既存カテゴリ読み取り失敗: %w", err)
		}
		categories[ts] = category
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: 既存カテゴリ読み取り失敗: %w", err)
	}
	return categories, nil
}

func scanThreads(rows *sql.Rows) ([]domain.Thread, error) {
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		var (
			th       domain.Thread
			replies  []byte
			category sql.NullString
		)
		if err := rows.Scan(
			&th.Channel,
			&th.RootTimestamp,
			&th.Root.Text,
			&th.Root.User,
			&th.Root.Team,
			&replies,
			&th.ReplyCount,
			&category,
		); err != nil {
			return nil, fmt.Errorf("postgres: スレッド読み取り失敗: %w", err)
		}
		if len(replies) > 0 {
			if err := json.Unmarshal(replies, &th.Replies); err != nil {
				return nil, fmt.Errorf("postgres: 返信JSON変換失敗 (thread=%s): %w", th.Key(), err)
			}
		}
		th.Root.Timestamp = th.RootTimestamp
		th.ReplyCount = len(th.Replies)
		th.Category = category.String
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: スレッド読み取り失敗: %w", err)
	}
	return threads, nil
}

// validateRange はSlackのTS（数値文字列）として範囲指定を検証します
func validateRange(fromTS, toTS string) error {
	from, err := strconv.ParseFloat(fromTS, 64)
	if err != nil {
		return fmt.Errorf("%w: fromTS=%q", domain.ErrInvalid, fromTS)
	}
	to, err := strconv.ParseFloat(toTS, 64)
	if err != nil {
		return fmt.Errorf("%w: toTS=%q", domain.ErrInvalid, toTS)
	}
	if from > to {
		return fmt.Errorf("%w: fromTS(%s) > toTS(%s)", domain.ErrInvalid, fromTS, toTS)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilMessages(m []domain.Message) []domain.Message {
	if m == nil {
		return []domain.Message{}
	}
	return m
}
