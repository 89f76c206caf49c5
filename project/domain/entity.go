package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CategoryUncategorized は分類に失敗した、または分類できなかった場合のカテゴリ名
const CategoryUncategorized = "uncategorized"

// エクスポート内の1イベント（Slackメッセージ）
type RawEvent struct {
	// Text はメッセージ本文（空の場合あり）
	Text string

	// User は投稿者のSlackユーザーID
	User string

	// Team は投稿者のワークスペースID
	Team string

	// Timestamp はチャンネル内で一意なメッセージTS。空の場合はスレッド構築対象外
	Timestamp string

	// ThreadParent は親メッセージのTS。空、または自身のTSと同じ場合はルート
	ThreadParent string

	// Subtype はシステムイベント等を示すサブタイプ
	Subtype string

	// RepliesManifest はルートにのみ付与される返信TSの一覧
	RepliesManifest []string
}

// IsRoot はスレッドの起点となるメッセージかどうかを返します
func (e RawEvent) IsRoot() bool {
	return e.ThreadParent == "" || e.ThreadParent == e.Timestamp
}

// Message はRawEventから必要な4項目だけを取り出したもの
type Message struct {
	Text      string `json:"text"`
	User      string `json:"user"`
	Timestamp string `json:"ts"`
	Team      string `json:"team"`
}

// CleanMessage はRawEventをMessageに射影します
func CleanMessage(e RawEvent) Message {
	return Message{
		Text:      e.Text,
		User:      e.User,
		Timestamp: e.Timestamp,
		Team:      e.Team,
	}
}

// 親メッセージと返信からなるスレッド
type Thread struct {
	// Channel はスレッドが属するチャンネル名
	Channel string

	// RootTimestamp はスレッドの識別子（親メッセージのTS）
	RootTimestamp string

	// Root は親メッセージ
	Root Message

	// Replies は返信（マニフェスト順）
	Replies []Message

	// ReplyCount は len(Replies) と常に一致します
	ReplyCount int

	// Category は分類後に付与されるカテゴリ。未分類の場合は空
	Category string
}

// ThreadKey はスレッドの一意キーを生成します
func ThreadKey(channel, rootTS string) string {
	return fmt.Sprintf("%s:%s", channel, rootTS)
}

// Key はスレッドの一意キーを返します
func (t Thread) Key() string {
	return ThreadKey(t.Channel, t.RootTimestamp)
}

// Document は埋め込み用のテキストを返します
func (t Thread) Document() string {
	category := t.Category
	if category == "" {
		category = CategoryUncategorized
	}
	var b strings.Builder
	fmt.Fprintf(&b, "text: %s\n", t.Root.Text)
	for _, r := range t.Replies {
		fmt.Fprintf(&b, "reply: %s\n", r.Text)
	}
	fmt.Fprintf(&b, "category: %s", category)
	return b.String()
}

// カテゴリごとのエスカレーション担当ローテーション
type EscalationEntry struct {
	// Members は担当者のSlackユーザーID（順序固定、空不可）
	Members []string `firestore:"members"`

	// LastIndex は直前のエスカレーションを受けた担当者の位置
	LastIndex int `firestore:"last_index"`
}

// EscalationSchema はカテゴリ名からローテーションへの対応表
type EscalationSchema map[string]EscalationEntry

// NewEscalationEntry は最初の選出で先頭の担当者が選ばれるエントリを作成します
func NewEscalationEntry(members []string) EscalationEntry {
	return EscalationEntry{
		Members:   append([]string(nil), members...),
		LastIndex: len(members) - 1,
	}
}

// Validate はEscalationEntryの必須項目を検証します
func (e EscalationEntry) Validate() error {
	if len(e.Members) == 0 {
		return fmt.Errorf("%w: Membersは1人以上必要です", ErrInvalid)
	}
	for i, m := range e.Members {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: Members[%d]が空です", ErrInvalid, i)
		}
	}
	if e.LastIndex < 0 || e.LastIndex >= len(e.Members) {
		return fmt.Errorf("%w: LastIndex(%d)が範囲外です", ErrInvalid, e.LastIndex)
	}
	return nil
}

// Equal は担当者リストと位置が同じかどうかを返します
func (e EscalationEntry) Equal(o EscalationEntry) bool {
	if e.LastIndex != o.LastIndex || len(e.Members) != len(o.Members) {
		return false
	}
	for i := range e.Members {
		if e.Members[i] != o.Members[i] {
			return false
		}
	}
	return true
}

// ボット返信とカテゴリの対応（リアクション時のエスカレーション用）
type BotReply struct {
	// ChannelID は返信が投稿されたチャンネルのID
	ChannelID string `json:"channel_id"`

	// ReplyTS はボット返信のタイムスタンプ
	ReplyTS string `json:"reply_ts"`

	// ThreadTS は質問（スレッド親）のタイムスタンプ
	ThreadTS string `json:"thread_ts"`

	// Category は質問の分類結果
	Category string `json:"category"`
}

// ReplyKey はボット返信の一意キーを生成します
func ReplyKey(channelID, replyTS string) string {
	return fmt.Sprintf("%s:%s", channelID, replyTS)
}

// Validate はBotReplyの必須項目を検証します
func (r BotReply) Validate() error {
	if strings.TrimSpace(r.ChannelID) == "" {
		return fmt.Errorf("%w: ChannelIDは必須項目です", ErrInvalid)
	}
	if strings.TrimSpace(r.ReplyTS) == "" {
		return fmt.Errorf("%w: ReplyTSは必須項目です", ErrInvalid)
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("%w: Categoryは必須項目です", ErrInvalid)
	}
	return nil
}

// 管理画面のスタッフ一覧の1行
type StaffMember struct {
	Name      string   `json:"name"`
	AccountID string   `json:"accountId"`
	Tasks     TaskList `json:"tasks"`
}

// TaskList は担当カテゴリの一覧です
// JSON では文字列の配列のほか、管理画面が保存するカンマ（、）区切りの文字列も受け付けます
type TaskList []string

// UnmarshalJSON は配列または区切り文字列から TaskList を読み込みます
func (t *TaskList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("%w: tasks は文字列または文字列の配列です", ErrMalformedInput)
	}
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '、' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*t = out
	return nil
}

// SchemaFromStaff はスタッフ一覧からエスカレーション表を組み立てます。
// 担当者の順序はスタッフ一覧の順序に従います
func SchemaFromStaff(staff []StaffMember) (EscalationSchema, error) {
	members := make(map[string][]string)
	var order []string
	for i, s := range staff {
		if strings.TrimSpace(s.AccountID) == "" {
			return nil, fmt.Errorf("%w: staff[%d](%s)のaccountIdが空です", ErrInvalid, i, s.Name)
		}
		for _, task := range s.Tasks {
			category := NormalizeCategory(task)
			if category == "" {
				continue
			}
			if _, ok := members[category]; !ok {
				order = append(order, category)
			}
			if !containsString(members[category], s.AccountID) {
				members[category] = append(members[category], s.AccountID)
			}
		}
	}

	schema := make(EscalationSchema, len(order))
	for _, category := range order {
		schema[category] = NewEscalationEntry(members[category])
	}
	return schema, nil
}

// NormalizeCategory はカテゴリ名の表記ゆれ（前後空白・大文字）を吸収します
func NormalizeCategory(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
