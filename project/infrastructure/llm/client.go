package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
)

// Client は OpenAI 互換 API を使った分類・回答生成の実装です
// service.Classifier と service.Generator を満たします
type Client struct {
	chat       llms.Model
	classifier llms.Model
	logger     *logrus.Entry
}

// NewClient は Client を作成します。classifier が nil の場合は chat を使います
func NewClient(chat, classifier llms.Model, logger *logrus.Entry) *Client {
	if classifier == nil {
		classifier = chat
	}
	return &Client{chat: chat, classifier: classifier, logger: logger}
}

// NewFromConfig は設定値から Client と Embedder を作成します
func NewFromConfig(cfg *config.Config, logger *logrus.Entry) (*Client, *Embedder, error) {
	if cfg.LLMAPIKey == "" {
		return nil, nil, fmt.Errorf("llm: APIキーが設定されていません: %w", domain.ErrInvalid)
	}

	options := func(model string) []openai.Option {
		opts := []openai.Option{
			openai.WithToken(cfg.LLMAPIKey),
			openai.WithModel(model),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
		}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
		}
		return opts
	}

	chat, err := openai.New(options(cfg.LLMModel)...)
	if err != nil {
		return nil, nil, fmt.Errorf("llm: チャットモデル初期化失敗: %w", err)
	}

	classifier := chat
	if cfg.LLMClassifierModel != "" && cfg.LLMClassifierModel != cfg.LLMModel {
		if classifier, err = openai.New(options(cfg.LLMClassifierModel)...); err != nil {
			return nil, nil, fmt.Errorf("llm: 分類モデル初期化失敗: %w", err)
		}
	}

	emb, err := embeddings.NewEmbedder(chat,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(cfg.ClassifyBatchSize),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("llm: 埋め込み初期化失敗: %w", err)
	}

	return NewClient(chat, classifier, logger), NewEmbedder(emb, cfg.EmbeddingDimensions), nil
}

// Complete はプロンプトから回答文を生成します
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, c.chat, prompt, llms.WithTemperature(0.2))
	if err != nil {
		return "", fmt.Errorf("llm: 回答生成失敗: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// generate はシステムプロンプトと入力で1回生成し、最初の候補の本文を返します
func (c *Client) generate(ctx context.Context, model llms.Model, system, input string) (string, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(input)},
		},
	}

	resp, err := model.GenerateContent(ctx, content, llms.WithTemperature(0.0))
	if err != nil {
		return "", fmt.Errorf("llm: 生成失敗: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: 候補が返されませんでした: %w", domain.ErrExternalService)
	}

	out := strings.TrimSpace(resp.Choices[0].Content)
	c.logger.WithField("length", len(out)).Debug("生成しました")
	return out, nil
}
