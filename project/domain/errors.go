package domain

import "errors"

// ドメインエラー定義
var (
	// ErrInvalid は不正な値が設定された場合のエラー
	ErrInvalid = errors.New("ドメイン: 不正な値です")

	// ErrNotFound は要求されたリソースが見つからない場合のエラー
	ErrNotFound = errors.New("ドメイン: リソースが見つかりません")

	// ErrMalformedInput は入力全体が読み取れない場合のエラー（1件単位の不正はスキップ）
	ErrMalformedInput = errors.New("ドメイン: 入力形式が不正です")

	// ErrLookupMiss は返信マニフェストの参照先が見つからない場合のエラー
	ErrLookupMiss = errors.New("ドメイン: 参照先メッセージが見つかりません")

	// ErrUnknownCategory はエスカレーション表に存在しないカテゴリが指定された場合のエラー
	ErrUnknownCategory = errors.New("ドメイン: エスカレーション先が未設定のカテゴリです")

	// ErrConcurrentUpdate はエスカレーション表の更新が競合した場合のエラー
	ErrConcurrentUpdate = errors.New("ドメイン: 同時更新が競合しました")

	// ErrExternalService は外部サービス呼び出しがリトライ後も失敗した場合のエラー
	ErrExternalService = errors.New("ドメイン: 外部サービス呼び出しに失敗しました")
)
