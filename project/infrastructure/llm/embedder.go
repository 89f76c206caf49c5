package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"

	"support-bot/project/domain"
)

// Embedder は service.Embedder の langchaingo 実装です
type Embedder struct {
	embedder   embeddings.Embedder
	dimensions int
}

// NewEmbedder は Embedder を作成します。dimensions が 0 以下なら次元数を検証しません
func NewEmbedder(e embeddings.Embedder, dimensions int) *Embedder {
	return &Embedder{embedder: e, dimensions: dimensions}
}

// EmbedTexts は複数のテキストをまとめて埋め込みます
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("llm: 埋め込み失敗 (count=%d): %w", len(texts), err)
	}
	for i, v := range vectors {
		if err := e.check(v); err != nil {
			return nil, fmt.Errorf("llm: 埋め込み[%d]: %w", i, err)
		}
	}
	return vectors, nil
}

// EmbedQuery は検索用に質問文を埋め込みます
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("llm: 質問の埋め込み失敗: %w", err)
	}
	if err := e.check(v); err != nil {
		return nil, fmt.Errorf("llm: 質問の埋め込み: %w", err)
	}
	return v, nil
}

func (e *Embedder) check(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("空のベクトルが返されました: %w", domain.ErrExternalService)
	}
	if e.dimensions > 0 && len(v) != e.dimensions {
		return fmt.Errorf("次元数が一致しません (want=%d, got=%d): %w", e.dimensions, len(v), domain.ErrExternalService)
	}
	return nil
}
