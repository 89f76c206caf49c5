package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"support-bot/project/domain"
)

// otherLabel はどのカテゴリにも当てはまらない場合にモデルが返すラベルです
const otherLabel = "other"

const questionPrompt = `あなたはサポート窓口の Slack ボットです。
投稿がボットの回答すべき質問・依頼であれば "yes"、雑談・報告・お礼など回答不要なものであれば "no" とだけ答えてください。`

const classifyPrompt = `次の問い合わせを、以下のカテゴリのいずれか1つに分類してください。
どれにも当てはまらない場合は "other" と答えてください。
カテゴリ名だけを出力し、説明は不要です。

カテゴリ:
%s`

const classifyBatchPrompt = `番号付きの問い合わせ一覧を、以下のカテゴリのいずれか1つにそれぞれ分類してください。
どれにも当てはまらない場合は "other" としてください。
入力と同じ番号で "1. カテゴリ名" の形式で1行ずつ出力し、それ以外は出力しないでください。

カテゴリ:
%s`

const suggestPrompt = `以下はサポート窓口に寄せられた問い合わせの例です。
これらを分類するための互いに重ならないカテゴリを %d 個考えてください。
カテゴリ名は短い英小文字の単語とし、"- カテゴリ名" の形式で1行に1つずつ出力してください。`

// IsQuestion は投稿が回答対象の質問かどうかを判定します
func (c *Client) IsQuestion(ctx context.Context, text string) (bool, error) {
	out, err := c.generate(ctx, c.classifier, questionPrompt, text)
	if err != nil {
		return false, err
	}
	return ParseYesNo(out)
}

// Classify は問い合わせ1件をカテゴリに分類し、モデルの出力したラベルを返します
func (c *Client) Classify(ctx context.Context, text string, categories []string) (string, error) {
	out, err := c.generate(ctx, c.classifier, fmt.Sprintf(classifyPrompt, bulletList(categories)), text)
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

// ClassifyBatch は問い合わせをまとめて分類します
// 戻り値は入力と同じ件数で、読み取れなかった位置は空文字です
func (c *Client) ClassifyBatch(ctx context.Context, texts []string, categories []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, singleLine(t))
	}

	out, err := c.generate(ctx, c.classifier, fmt.Sprintf(classifyBatchPrompt, bulletList(categories)), b.String())
	if err != nil {
		return nil, err
	}
	return ParseNumberedLabels(out, len(texts)), nil
}

// SuggestCategories は問い合わせのサンプルから n 個のカテゴリ案を生成します
func (c *Client) SuggestCategories(ctx context.Context, samples []string, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("llm: カテゴリ数は1以上を指定してください: %w", domain.ErrInvalid)
	}

	var b strings.Builder
	for _, s := range samples {
		fmt.Fprintf(&b, "- %s\n", singleLine(s))
	}

	out, err := c.generate(ctx, c.chat, fmt.Sprintf(suggestPrompt, n), b.String())
	if err != nil {
		return nil, err
	}
	return ParseCategoryList(out, n), nil
}

// ParseYesNo は yes/no 形式の応答を解釈します
func ParseYesNo(out string) (bool, error) {
	s := strings.ToLower(strings.Trim(firstLine(out), " \t\"'.。!"))
	switch {
	case strings.HasPrefix(s, "yes"), strings.HasPrefix(s, "はい"):
		return true, nil
	case strings.HasPrefix(s, "no"), strings.HasPrefix(s, "いいえ"):
		return false, nil
	}
	return false, fmt.Errorf("llm: yes/no を解釈できません (%q): %w", out, domain.ErrMalformedInput)
}

// ParseNumberedLabels は "1. ラベル" 形式の出力を n 件のラベル列にします
// 番号が範囲外の行は捨て、同じ番号は先勝ちです
func ParseNumberedLabels(out string, n int) []string {
	labels := make([]string, n)
	for _, line := range strings.Split(out, "\n") {
		num, label, ok := strings.Cut(strings.TrimSpace(line), ". ")
		if !ok {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil || i < 1 || i > n || labels[i-1] != "" {
			continue
		}
		label = strings.TrimSpace(label)
		if strings.EqualFold(label, otherLabel) {
			label = domain.CategoryUncategorized
		}
		labels[i-1] = label
	}
	return labels
}

// ParseCategoryList は箇条書きの出力から重複のないカテゴリ名を最大 n 件取り出します
func ParseCategoryList(out string, n int) []string {
	var (
		categories []string
		seen       = make(map[string]bool)
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		if num, rest, ok := strings.Cut(line, ". "); ok {
			if _, err := strconv.Atoi(num); err == nil {
				line = rest
			}
		}
		category := domain.NormalizeCategory(strings.Trim(line, "\"'`"))
		if category == "" || category == otherLabel || seen[category] {
			continue
		}
		seen[category] = true
		categories = append(categories, category)
		if len(categories) == n {
			break
		}
	}
	return categories
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
