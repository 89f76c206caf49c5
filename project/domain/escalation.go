package domain

import "fmt"

// Advance は次の担当者を選び、位置を進めたエントリを返します。
// 受け取ったエントリは変更しません
func (e EscalationEntry) Advance() (EscalationEntry, string) {
	next := (e.LastIndex + 1) % len(e.Members)
	return EscalationEntry{
		Members:   append([]string(nil), e.Members...),
		LastIndex: next,
	}, e.Members[next]
}

// NextAssignee はカテゴリの次の担当者を選び、更新後のエスカレーション表を返します。
// カテゴリが存在しない場合は domain.ErrUnknownCategory を返し、表は変更しません
func NextAssignee(schema EscalationSchema, category string) (EscalationSchema, string, error) {
	entry, ok := schema[category]
	if !ok {
		return schema, "", fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if err := entry.Validate(); err != nil {
		return schema, "", fmt.Errorf("カテゴリ %s: %w", category, err)
	}

	advanced, member := entry.Advance()

	next := make(EscalationSchema, len(schema))
	for k, v := range schema {
		next[k] = v
	}
	next[category] = advanced

	return next, member, nil
}
