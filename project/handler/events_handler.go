package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack/slackevents"

	"support-bot/project/service"
)

// BotIdentity はボット自身のユーザーIDを返します
type BotIdentity interface {
	BotUserID(ctx context.Context) (string, error)
}

// EventsHandler は Slack Events API からのイベントを処理します
// 署名検証は httpsec.SlackVerifier で済んでいる前提です
type EventsHandler struct {
	answerService     service.AnswerService
	escalationService service.EscalationService
	bot               BotIdentity
	logger            *logrus.Entry
	now               func() time.Time
}

// NewEventsHandler はイベントハンドラーを作成します
func NewEventsHandler(answerService service.AnswerService, escalationService service.EscalationService, bot BotIdentity, logger *logrus.Entry) *EventsHandler {
	return &EventsHandler{
		answerService:     answerService,
		escalationService: escalationService,
		bot:               bot,
		logger:            logger,
		now:               time.Now,
	}
}

// ServeHTTP は Slack イベント受信エンドポイントです
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "リクエスト本体の読み込み失敗", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.logger.WithError(err).Warn("イベントの解析に失敗しました")
		http.Error(w, "JSON パース失敗", http.StatusBadRequest)
		return
	}

	if ev.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "JSON パース失敗", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge.Challenge))
		return
	}

	// Slack の再送は処理済みとみなす（リアクションの二重エスカレーション防止）
	if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
		h.logger.WithFields(logrus.Fields{
			"retry":  retry,
			"reason": r.Header.Get("X-Slack-Retry-Reason"),
		}).Info("Slack の再送をスキップしました")
		w.WriteHeader(http.StatusOK)
		return
	}

	if ev.Type != slackevents.CallbackEvent {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.handleEvent(ctx, ev.InnerEvent); err != nil {
		h.logger.WithError(err).WithField("event", ev.InnerEvent.Type).Error("イベント処理エラー")
		// Slack側への応答は成功にして、ログだけ記録
	}
	w.WriteHeader(http.StatusOK)
}

// handleEvent は個別のイベントを処理します
func (h *EventsHandler) handleEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent) error {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		return h.answerService.OnQuestion(ctx, &service.QuestionEvent{
			ChannelID: ev.Channel,
			UserID:    ev.User,
			MessageTS: ev.TimeStamp,
			ThreadTS:  ev.ThreadTimeStamp,
			Text:      ev.Text,
			Subtype:   ev.SubType,
			BotID:     ev.BotID,
			BotUserID: h.botUserID(ctx),
			NowUnix:   h.now().Unix(),
		})

	case *slackevents.ReactionAddedEvent:
		out, err := h.escalationService.OnReaction(ctx, &service.ReactionEvent{
			UserID:    ev.User,
			Reaction:  ev.Reaction,
			ItemType:  ev.Item.Type,
			ChannelID: ev.Item.Channel,
			ItemTS:    ev.Item.Timestamp,
			BotUserID: h.botUserID(ctx),
		})
		h.logger.WithFields(logrus.Fields{
			"state":    out.State,
			"reason":   out.Reason,
			"category": out.Category,
			"assignee": out.Assignee,
		}).Debug("リアクションを処理しました")
		return err
	}
	return nil
}

// botUserID はボットのユーザーIDを返します。取得できない場合は空文字です
func (h *EventsHandler) botUserID(ctx context.Context) string {
	if h.bot == nil {
		return ""
	}
	id, err := h.bot.BotUserID(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("ボットのユーザーID取得に失敗しました")
		return ""
	}
	return id
}
