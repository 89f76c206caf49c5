package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"support-bot/project/domain"
	"support-bot/project/dto"
	"support-bot/project/service"
)

// CommandsHandler は Slack スラッシュコマンドで担当表を管理します
// 署名検証は httpsec.SlackVerifier で済んでいる前提です
type CommandsHandler struct {
	escalationService service.EscalationService
	logger            *logrus.Entry
}

// NewCommandsHandler はコマンドハンドラーを作成します
func NewCommandsHandler(escalationService service.EscalationService, logger *logrus.Entry) *CommandsHandler {
	return &CommandsHandler{
		escalationService: escalationService,
		logger:            logger,
	}
}

// ServeHTTP は Slack スラッシュコマンド受信エンドポイントです
func (h *CommandsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		writeSlash(w, http.StatusBadRequest, "リクエスト読み込み失敗")
		return
	}

	log := h.logger.WithFields(logrus.Fields{
		"command": cmd.Command,
		"user":    cmd.UserID,
		"channel": cmd.ChannelID,
	})
	log.WithField("text", cmd.Text).Info("スラッシュコマンドを受信しました")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	args := strings.Fields(cmd.Text)
	switch cmd.Command {
	case "/escalation_set":
		h.handleSet(ctx, w, log, args)
	case "/escalation_show":
		h.handleShow(ctx, w, log, args)
	case "/escalation_remove":
		h.handleRemove(ctx, w, log, args)
	default:
		writeSlash(w, http.StatusBadRequest, fmt.Sprintf("不明なコマンド: %s", cmd.Command))
	}
}

// handleSet は /escalation_set <カテゴリ> @担当者... を処理
func (h *CommandsHandler) handleSet(ctx context.Context, w http.ResponseWriter, log *logrus.Entry, args []string) {
	if len(args) < 2 {
		writeSlash(w, http.StatusOK, "使用方法: /escalation_set <カテゴリ> @担当者1 @担当者2 ...")
		return
	}

	entry, err := h.escalationService.SetRotation(ctx, args[0], args[1:])
	if err != nil {
		log.WithError(err).Error("担当表の設定に失敗しました")
		writeSlash(w, http.StatusOK, fmt.Sprintf("担当者の設定に失敗しました: %v", err))
		return
	}

	category := domain.NormalizeCategory(args[0])
	writeSlash(w, http.StatusOK, fmt.Sprintf("カテゴリ「%s」の担当者を設定しました\n%s", category, formatEntry(category, entry)))
}

// handleShow は /escalation_show [カテゴリ] を処理
func (h *CommandsHandler) handleShow(ctx context.Context, w http.ResponseWriter, log *logrus.Entry, args []string) {
	category := ""
	if len(args) > 0 {
		category = args[0]
	}

	schema, err := h.escalationService.ShowRotation(ctx, category)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownCategory) {
			writeSlash(w, http.StatusOK, fmt.Sprintf("カテゴリ「%s」は登録されていません", domain.NormalizeCategory(category)))
			return
		}
		log.WithError(err).Error("担当表の取得に失敗しました")
		writeSlash(w, http.StatusOK, "担当表の取得に失敗しました")
		return
	}
	if len(schema) == 0 {
		writeSlash(w, http.StatusOK, "担当表は空です")
		return
	}

	categories := make([]string, 0, len(schema))
	for c := range schema {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	lines := make([]string, 0, len(categories))
	for _, c := range categories {
		lines = append(lines, formatEntry(c, schema[c]))
	}
	writeSlash(w, http.StatusOK, strings.Join(lines, "\n"))
}

// handleRemove は /escalation_remove <カテゴリ> を処理
func (h *CommandsHandler) handleRemove(ctx context.Context, w http.ResponseWriter, log *logrus.Entry, args []string) {
	if len(args) != 1 {
		writeSlash(w, http.StatusOK, "使用方法: /escalation_remove <カテゴリ>")
		return
	}

	if err := h.escalationService.RemoveRotation(ctx, args[0]); err != nil {
		log.WithError(err).Error("担当表の削除に失敗しました")
		writeSlash(w, http.StatusOK, "担当表の削除に失敗しました")
		return
	}
	writeSlash(w, http.StatusOK, fmt.Sprintf("カテゴリ「%s」を削除しました", domain.NormalizeCategory(args[0])))
}

// formatEntry は担当表の1行を「• カテゴリ: 担当者（次: 担当者）」の形式にします
func formatEntry(category string, e domain.EscalationEntry) string {
	mentions := make([]string, len(e.Members))
	for i, m := range e.Members {
		mentions[i] = fmt.Sprintf("<@%s>", m)
	}
	next := ""
	if len(e.Members) > 0 {
		next = fmt.Sprintf("（次: %s）", mentions[(e.LastIndex+1)%len(e.Members)])
	}
	return fmt.Sprintf("• %s: %s%s", category, strings.Join(mentions, ", "), next)
}

// writeSlash はコマンド実行者のみに表示されるレスポンスを書き込みます
func writeSlash(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.Ephemeral(text))
}
