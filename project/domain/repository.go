package domain

import (
	"context"
)

// ThreadRepository はスレッドの永続化を担当します
type ThreadRepository interface {
	// ReplaceChannel は指定チャンネルのスレッドを1トランザクションで置き換えます
	// 同じ入力で再実行しても結果は変わりません（冪等）
	// 既存スレッドのカテゴリは、同じスレッドキーが残る場合に引き継がれます
	ReplaceChannel(ctx context.Context, channel string, threads []Thread) error

	// ListUncategorized はカテゴリ未設定のスレッドを最大limit件取得します
	ListUncategorized(ctx context.Context, limit int) ([]Thread, error)

	// ListForEmbedding はカテゴリ設定済みのスレッドをチャンネル順に取得します
	// channel が空の場合は全チャンネルが対象です
	ListForEmbedding(ctx context.Context, channel string) ([]Thread, error)

	// SetCategory はスレッドのカテゴリを設定します
	// 対象レコードが存在しない場合は domain.ErrNotFound を返します
	SetCategory(ctx context.Context, channel, rootTS, category string) error

	// DeleteRange はルートTSが [fromTS, toTS] に含まれるスレッドを削除し、削除件数を返します
	DeleteRange(ctx context.Context, fromTS, toTS string) (int64, error)
}

// EscalationRepository はエスカレーション表の永続化を担当します
type EscalationRepository interface {
	// Read は指定カテゴリのローテーションを取得します
	// 存在しない場合は domain.ErrUnknownCategory を返します
	Read(ctx context.Context, category string) (EscalationEntry, error)

	// WriteIfUnchanged は保存値が old と一致する場合のみ next を書き込みます
	// 一致しない場合は domain.ErrConcurrentUpdate、カテゴリが消えていた場合は domain.ErrUnknownCategory を返します
	WriteIfUnchanged(ctx context.Context, category string, old, next EscalationEntry) error

	// List はエスカレーション表全体を取得します
	List(ctx context.Context) (EscalationSchema, error)

	// Put は指定カテゴリのローテーションを上書き保存します
	// バリデーションエラー時は domain.ErrInvalid を返します
	Put(ctx context.Context, category string, entry EscalationEntry) error

	// Delete は指定カテゴリを削除します。存在しない場合も成功を返します（冪等）
	Delete(ctx context.Context, category string) error
}

// BotReplyRepository はボット返信とカテゴリの対応の永続化を担当します
type BotReplyRepository interface {
	// Save はボット返信を保存します
	// バリデーションエラー時は domain.ErrInvalid を返します
	Save(ctx context.Context, r *BotReply) error

	// Find は返信キーからボット返信を取得します
	// 存在しない場合は domain.ErrNotFound を返します
	Find(ctx context.Context, channelID, replyTS string) (*BotReply, error)

	// ClaimEscalation はボット返信をエスカレーション済みとして記録します
	// 既に記録済みの場合は false を返します。判定と記録は不可分に行います
	ClaimEscalation(ctx context.Context, channelID, replyTS string) (bool, error)

	// ReleaseEscalation は ClaimEscalation の記録を取り消します
	ReleaseEscalation(ctx context.Context, channelID, replyTS string) error
}
