package dto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"support-bot/project/domain"
)

// ExportMessage は Slack エクスポート（チャンネル/日付.json）の1要素を表します
type ExportMessage struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype,omitempty"`
	Text      string        `json:"text"`
	User      string        `json:"user"`
	Team      string        `json:"team,omitempty"`
	Timestamp string        `json:"ts"`
	ThreadTS  string        `json:"thread_ts,omitempty"` // スレッド内の場合のみ
	Replies   []ExportReply `json:"replies,omitempty"`   // 親メッセージのみ
}

// ExportReply は親メッセージの replies に含まれる返信参照です
type ExportReply struct {
	User      string `json:"user"`
	Timestamp string `json:"ts"`
}

// ToRawEvent はエクスポート要素をドメインのRawEventに変換します。
// 欠損項目の既定値はすべて空文字列/空スライスです
func (m ExportMessage) ToRawEvent() domain.RawEvent {
	var manifest []string
	for _, r := range m.Replies {
		if r.Timestamp != "" {
			manifest = append(manifest, r.Timestamp)
		}
	}
	return domain.RawEvent{
		Text:            m.Text,
		User:            m.User,
		Team:            m.Team,
		Timestamp:       m.Timestamp,
		ThreadParent:    m.ThreadTS,
		Subtype:         m.Subtype,
		RepliesManifest: manifest,
	}
}

// ParseExport はエクスポートファイルの内容をRawEventの列に変換します。
// 配列として読めない場合のみ domain.ErrMalformedInput を返し、
// 個々の不正な要素はスキップして診断として返します
func ParseExport(data []byte) ([]domain.RawEvent, []error, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, nil, fmt.Errorf("%w: JSON配列として読み込めません: %v", domain.ErrMalformedInput, err)
	}

	events := make([]domain.RawEvent, 0, len(items))
	var diags []error
	for i, item := range items {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			diags = append(diags, fmt.Errorf("%w: 要素[%d]がオブジェクトではありません: %s", domain.ErrMalformedInput, i, preview(trimmed)))
			continue
		}

		var msg ExportMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			diags = append(diags, fmt.Errorf("%w: 要素[%d]の変換失敗: %v", domain.ErrMalformedInput, i, err))
			continue
		}
		events = append(events, msg.ToRawEvent())
	}

	return events, diags, nil
}

// preview は診断メッセージ用に先頭だけを切り出します
func preview(b []byte) string {
	const max = 40
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
