package domain

import "fmt"

// excludedSubtypes はスレッド構築から除外するシステムイベント
var excludedSubtypes = map[string]struct{}{
	"channel_join":      {},
	"channel_leave":     {},
	"channel_purpose":   {},
	"channel_topic":     {},
	"channel_name":      {},
	"channel_archive":   {},
	"channel_unarchive": {},
	"bot_message":       {},
}

// IsExcludedSubtype はスレッド構築の対象外となるサブタイプかどうかを返します
func IsExcludedSubtype(subtype string) bool {
	_, ok := excludedSubtypes[subtype]
	return ok
}

// BuildThreads は1チャンネル分のイベント列をスレッドの一覧に変換します
func BuildThreads(channel string, events []RawEvent) []Thread {
	threads, _ := BuildThreadsWithDiagnostics(channel, events)
	return threads
}

// BuildThreadsWithDiagnostics は BuildThreads と同じ結果に加えて、
// 参照先が見つからなかった返信ごとの診断（domain.ErrLookupMiss）を返します
func BuildThreadsWithDiagnostics(channel string, events []RawEvent) ([]Thread, []error) {
	// TS -> 返信イベントの索引（重複TSは先勝ち）。ルートは他スレッドの返信にならない
	index := make(map[string]int, len(events))
	for i, e := range events {
		if e.Timestamp == "" || e.IsRoot() {
			continue
		}
		if _, dup := index[e.Timestamp]; !dup {
			index[e.Timestamp] = i
		}
	}

	var (
		threads []Thread
		diags   []error
	)
	for _, e := range events {
		if IsExcludedSubtype(e.Subtype) || e.Timestamp == "" {
			continue
		}
		if !e.IsRoot() {
			continue
		}

		replies := make([]Message, 0, len(e.RepliesManifest))
		for _, ts := range e.RepliesManifest {
			i, ok := index[ts]
			if !ok {
				diags = append(diags, fmt.Errorf("%w: channel=%s root=%s reply=%s", ErrLookupMiss, channel, e.Timestamp, ts))
				continue
			}
			replies = append(replies, CleanMessage(events[i]))
		}

		threads = append(threads, Thread{
			Channel:       channel,
			RootTimestamp: e.Timestamp,
			Root:          CleanMessage(e),
			Replies:       replies,
			ReplyCount:    len(replies),
		})
	}

	return threads, diags
}
