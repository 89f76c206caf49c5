package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"support-bot/project/domain"
	"support-bot/project/service"
)

// VectorStore は service.VectorIndex の pgvector 実装です
type VectorStore struct {
	db *sql.DB
}

// NewVectorStore はベクトルストアを作成します
func NewVectorStore(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

// Upsert は埋め込み済みドキュメントを保存します（同一IDは上書き）
func (s *VectorStore) Upsert(ctx context.Context, docs []service.VectorDocument) error {
	if len(docs) == 0 {
		return nil
	}
	for _, d := range docs {
		if d.ID == "" || len(d.Embedding) == 0 {
			return fmt.Errorf("pgvector: Upsert検証失敗 (id=%q): %w", d.ID, domain.ErrInvalid)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: トランザクション開始失敗: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thread_embeddings (id, channel, root_ts, category, root_text, document, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			category   = EXCLUDED.category,
			root_text  = EXCLUDED.root_text,
			document   = EXCLUDED.document,
			embedding  = EXCLUDED.embedding,
			updated_at = now()
	`)
	if err != nil {
		return fmt.Errorf("pgvector: INSERT準備失敗: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		if _, err := stmt.ExecContext(
			ctx,
			d.ID,
			d.Channel,
			d.RootTS,
			d.Category,
			d.Text,
			d.Document,
			pgvector.NewVector(d.Embedding),
		); err != nil {
			return fmt.Errorf("pgvector: ドキュメント保存失敗 (id=%s): %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgvector: コミット失敗: %w", err)
	}
	return nil
}

// Query はコサイン距離が近い順に最大k件のドキュメントを返します
func (s *VectorStore) Query(ctx context.Context, vector []float32, k int) ([]service.RetrievedDocument, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("pgvector: Query検証失敗: %w", domain.ErrInvalid)
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, root_ts, category, root_text, document,
			1 - (embedding <=> $1) AS similarity
		FROM thread_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("pgvector: 類似検索失敗: %w", err)
	}
	defer rows.Close()

	var docs []service.RetrievedDocument
	for rows.Next() {
		var d service.RetrievedDocument
		if err := rows.Scan(&d.ID, &d.Channel, &d.RootTS, &d.Category, &d.Text, &d.Document, &d.Similarity); err != nil {
			return nil, fmt.Errorf("pgvector: 検索結果読み取り失敗: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: 検索結果読み取り失敗: %w", err)
	}
	return docs, nil
}

// DeleteRange はルートTSが [fromTS, toTS] に含まれるドキュメントを削除します
func (s *VectorStore) DeleteRange(ctx context.Context, fromTS, toTS string) (int64, error) {
	if err := validateRange(fromTS, toTS); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM thread_embeddings
		WHERE root_ts::numeric BETWEEN $1::numeric AND $2::numeric
	`, fromTS, toTS)
	if err != nil {
		return 0, fmt.Errorf("pgvector: 期間削除失敗 (from=%s, to=%s): %w", fromTS, toTS, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pgvector: 削除件数取得失敗: %w", err)
	}
	return n, nil
}
