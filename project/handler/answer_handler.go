package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"support-bot/project/service"
)

// AnswerHandler は Cloud Tasks から呼ばれる回答ジョブを処理します
type AnswerHandler struct {
	answerService service.AnswerService
	logger        *logrus.Entry
}

// NewAnswerHandler は回答ハンドラーを作成します
func NewAnswerHandler(answerService service.AnswerService, logger *logrus.Entry) *AnswerHandler {
	return &AnswerHandler{
		answerService: answerService,
		logger:        logger,
	}
}

// ServeHTTP は /tasks/answer エンドポイント
func (h *AnswerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "リクエスト本体の読み込み失敗", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var payload service.AnswerTaskPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "JSON パース失敗", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log := h.logger.WithFields(logrus.Fields{
		"channel": payload.ChannelID,
		"ts":      payload.MessageTS,
		"task":    r.Header.Get("X-CloudTasks-TaskName"),
	})

	result, err := h.answerService.Answer(ctx, &payload)
	if err != nil {
		log.WithError(err).Error("回答処理エラー")
		// Cloud Tasks 側へは 200 で応答（再試行回避）
		w.WriteHeader(http.StatusOK)
		return
	}

	log.WithField("result", result).Info("回答ジョブを処理しました")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "result": string(result)})
}
