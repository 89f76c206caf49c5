package service

import "context"

// SlackPort は Slack API 呼び出しのポートです
type SlackPort interface {
	// PostThreadMessage はスレッドにメッセージを投稿し、投稿のTSを返します
	PostThreadMessage(ctx context.Context, channelID, threadTS, text string) (string, error)

	// PostDM は指定されたユーザーにDMを送信します（エスカレーション先への個別通知）
	PostDM(ctx context.Context, userID, text string) error

	// ResolveUserID はメンション・ユーザー名・メールアドレスからユーザーIDを取得します
	ResolveUserID(ctx context.Context, ref string) (string, error)
}

// TaskPort は Cloud Tasks へのジョブ予約のポートです
type TaskPort interface {
	// EnqueueAnswer は指定時刻に Answer を実行するジョブをキューに登録します
	EnqueueAnswer(ctx context.Context, runAt int64, payload *AnswerTaskPayload) error
}

// Classifier は言語モデルによる分類のポートです
type Classifier interface {
	// Classify は1件のテキストを categories のいずれかに分類し、ラベルを返します
	// ラベルと登録済みカテゴリの対応付けは呼び出し側で行います
	Classify(ctx context.Context, text string, categories []string) (string, error)

	// ClassifyBatch は複数のテキストをまとめて分類します
	// 戻り値の件数は入力と一致しない場合があります（呼び出し側で補正）
	ClassifyBatch(ctx context.Context, texts []string, categories []string) ([]string, error)

	// IsQuestion はボットが回答すべき質問かどうかを判定します
	IsQuestion(ctx context.Context, text string) (bool, error)

	// SuggestCategories はサンプルのテキストから最大n個のカテゴリ案を生成します
	SuggestCategories(ctx context.Context, samples []string, n int) ([]string, error)
}

// Embedder は埋め込みベクトル生成のポートです
type Embedder interface {
	// EmbedTexts は複数のドキュメントを埋め込みます（入力と同じ順序・件数）
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery は検索用の質問文を埋め込みます
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex は過去スレッドのベクトル索引のポートです
type VectorIndex interface {
	// Upsert はドキュメントを保存します（同一IDは上書き）
	Upsert(ctx context.Context, docs []VectorDocument) error

	// Query は類似度が高い順に最大k件を返します
	Query(ctx context.Context, vector []float32, k int) ([]RetrievedDocument, error)

	// DeleteRange はルートTSが [fromTS, toTS] に含まれるドキュメントを削除します
	DeleteRange(ctx context.Context, fromTS, toTS string) (int64, error)
}

// Generator は回答文生成のポートです
type Generator interface {
	// Complete はプロンプトに対する応答文を返します
	Complete(ctx context.Context, prompt string) (string, error)
}
