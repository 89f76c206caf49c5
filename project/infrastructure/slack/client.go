package slack

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"support-bot/project/domain"
)

// mentionPattern は Slack のメンション形式 <@USERID> / <@USERID|name> に一致します
var mentionPattern = regexp.MustCompile(`^<@([UW][A-Z0-9]+)(?:\|[^>]*)?>$`)

// SlackClient は service.SlackPort の Slack SDK 実装です
// 単一ワークスペースのボットトークンで動作します
type SlackClient struct {
	api *slack.Client

	mu        sync.Mutex
	botUserID string
}

// NewSlackClient は Slack クライアントを初期化します
// apiURL が空でない場合は Slack API のエンドポイントを差し替えます（テスト用）
func NewSlackClient(token, apiURL string) *SlackClient {
	var opts []slack.Option
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackClient{api: slack.New(token, opts...)}
}

// BotUserID は auth.test でボット自身のユーザーIDを取得します（結果はキャッシュ）
func (sc *SlackClient) BotUserID(ctx context.Context) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.botUserID != "" {
		return sc.botUserID, nil
	}

	resp, err := sc.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack: auth.test 失敗: %w", err)
	}
	sc.botUserID = resp.UserID
	return sc.botUserID, nil
}

// PostThreadMessage はスレッドにメッセージを投稿し、投稿のTSを返します
func (sc *SlackClient) PostThreadMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	_, ts, err := sc.api.PostMessageContext(
		ctx,
		channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return "", fmt.Errorf("slack: スレッドメッセージ投稿失敗 (channel=%s, ts=%s): %w", channelID, threadTS, err)
	}
	return ts, nil
}

// PostDM はユーザーに DM を送信します
func (sc *SlackClient) PostDM(ctx context.Context, userID, text string) error {
	dmCh, _, _, err := sc.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return fmt.Errorf("slack: DM チャンネル作成失敗 (user=%s): %w", userID, err)
	}

	_, _, err = sc.api.PostMessageContext(ctx, dmCh.ID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: DM 送信失敗 (user=%s): %w", userID, err)
	}
	return nil
}

// ResolveUserID はメンション・ユーザー名・メールアドレスからユーザーIDを取得します
func (sc *SlackClient) ResolveUserID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if id, ok := UserIDFromMention(ref); ok {
		return id, nil
	}

	// @ を除去
	name := strings.TrimPrefix(ref, "@")
	if name == "" {
		return "", fmt.Errorf("slack: ユーザー指定が空です: %w", domain.ErrInvalid)
	}

	users, err := sc.api.GetUsersContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack: ユーザー一覧取得失敗: %w", err)
	}
	for _, u := range users {
		if u.Deleted {
			continue
		}
		if u.Name == name || u.RealName == name || u.Profile.DisplayName == name || (u.Profile.Email != "" && u.Profile.Email == name) {
			return u.ID, nil
		}
	}

	return "", fmt.Errorf("slack: ユーザーが見つかりません (ref=%s): %w", ref, domain.ErrInvalid)
}

// UserIDFromMention は <@U123|name> 形式からユーザーIDを取り出します
func UserIDFromMention(s string) (string, bool) {
	m := mentionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Mention はユーザーIDをメンション形式に変換します
func Mention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}
