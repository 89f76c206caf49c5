package service

import "support-bot/project/domain"

// QuestionEvent はチャンネルに投稿されたメッセージイベントを表します
type QuestionEvent struct {
	// ChannelID はメッセージが投稿されたチャンネルのID
	ChannelID string

	// UserID は投稿者のユーザーID
	UserID string

	// MessageTS はメッセージのタイムスタンプ
	MessageTS string

	// ThreadTS はスレッド返信の場合の親メッセージTS
	ThreadTS string

	// Text はメッセージ本文
	Text string

	// Subtype はメッセージのサブタイプ（通常投稿は空）
	Subtype string

	// BotID はBot投稿の場合に設定されます
	BotID string

	// BotUserID はこのBotのユーザーID（除外対象）
	BotUserID string

	// NowUnix はイベント受信時刻（Unix秒）
	NowUnix int64
}

// ReactionEvent はリアクション追加イベントを表します
type ReactionEvent struct {
	// UserID はリアクションしたユーザーID
	UserID string

	// Reaction は絵文字名（コロンなし）
	Reaction string

	// ItemType はリアクション対象の種別（message / file など）
	ItemType string

	// ChannelID はリアクション対象メッセージのチャンネルID
	ChannelID string

	// ItemTS はリアクション対象メッセージのTS
	ItemTS string

	// BotUserID はこのBotのユーザーID（除外対象）
	BotUserID string
}

// AnswerTaskPayload は回答ジョブ（Cloud Tasks）のペイロードです
type AnswerTaskPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	MessageTS string `json:"message_ts"`
	Text      string `json:"text"`
}

// VectorDocument はベクトル索引に保存する1スレッド分のドキュメントです
type VectorDocument struct {
	// ID はスレッドキー（channel:root_ts）
	ID       string
	Channel  string
	RootTS   string
	Category string

	// Text は親メッセージ本文
	Text string

	// Document は埋め込み対象のテキスト
	Document  string
	Embedding []float32
}

// RetrievedDocument は類似検索の結果です
type RetrievedDocument struct {
	ID         string
	Channel    string
	RootTS     string
	Category   string
	Text       string
	Document   string
	Similarity float64
}

// OutcomeState はリアクション処理の終端状態です
type OutcomeState string

const (
	// OutcomeEscalated は担当者へエスカレーションした状態
	OutcomeEscalated OutcomeState = "escalated"

	// OutcomeIgnored は何もしなかった状態
	OutcomeIgnored OutcomeState = "ignored"
)

// Ignored の理由
const (
	ReasonBotReaction      = "bot_reaction"
	ReasonBotUnknown       = "bot_unknown"
	ReasonNotTrigger       = "not_trigger"
	ReasonNotMessage       = "not_message"
	ReasonUnknownReply     = "unknown_reply"
	ReasonAlreadyEscalated = "already_escalated"
	ReasonUnknownCategory  = "unknown_category"
)

// Outcome はリアクション処理の結果です
type Outcome struct {
	State    OutcomeState
	Reason   string
	Category string
	Assignee string
}

// AnswerResult は回答ジョブの結果です
type AnswerResult string

const (
	// AnswerPosted は生成した回答を投稿した
	AnswerPosted AnswerResult = "answered"

	// AnswerFallback は生成に失敗し定型文を投稿した
	AnswerFallback AnswerResult = "fallback"

	// AnswerSkipped は質問ではないため回答しなかった
	AnswerSkipped AnswerResult = "skipped"
)

// ChannelExport は1チャンネル分のエクスポートを表します
type ChannelExport struct {
	// Name はチャンネル名（エクスポートのディレクトリ名）
	Name string

	// Events はファイル名順に連結したイベント列
	Events []domain.RawEvent

	// Diagnostics は読み込み時にスキップした要素の診断
	Diagnostics []error
}
