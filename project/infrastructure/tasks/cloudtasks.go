package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
	"support-bot/project/service"
)

// AnswerPath は回答タスクの受け口です
const AnswerPath = "/tasks/answer"

// taskCreator は Cloud Tasks クライアントのうち利用する部分です
type taskCreator interface {
	CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest, opts ...gax.CallOption) (*cloudtaskspb.Task, error)
	Close() error
}

// CloudTasksClient は service.TaskPort の Cloud Tasks 実装です
type CloudTasksClient struct {
	client   taskCreator
	queue    string
	target   string
	audience string // OIDC Audience (Cloud Run サービスの URL)
	svcAcct  string // Service Account メールアドレス
	logger   *logrus.Entry
}

// NewCloudTasksClient は Cloud Tasks クライアントを初期化します
func NewCloudTasksClient(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*CloudTasksClient, error) {
	if err := cfg.Require("GCP_PROJECT", "TASKS_QUEUE_ANSWER"); err != nil {
		return nil, fmt.Errorf("cloudtasks: %w", err)
	}
	c, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks: クライアント作成失敗: %w", err)
	}
	return newCloudTasksClient(c, cfg, logger), nil
}

func newCloudTasksClient(c taskCreator, cfg *config.Config, logger *logrus.Entry) *CloudTasksClient {
	base := cfg.AppBaseURL
	if base == "" {
		base = cfg.TasksAudience
	}
	audience := cfg.TasksAudience
	if audience == "" {
		audience = base
	}
	return &CloudTasksClient{
		client:   c,
		queue:    fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.GcpProject, cfg.Region, cfg.TasksQueueAnswer),
		target:   strings.TrimRight(base, "/") + AnswerPath,
		audience: audience,
		svcAcct:  cfg.TasksServiceAccount,
		logger:   logger,
	}
}

// EnqueueAnswer は回答タスクをキューに登録します
// 同じ投稿のタスクが既にある場合（Slack の再送など）は登録済みとして扱います
func (ct *CloudTasksClient) EnqueueAnswer(ctx context.Context, runAtUnix int64, payload *service.AnswerTaskPayload) error {
	req, err := ct.buildAnswerTask(runAtUnix, payload)
	if err != nil {
		return err
	}

	if _, err := ct.client.CreateTask(ctx, req); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			ct.logger.WithField("task", req.Task.Name).Debug("回答タスクは登録済みです")
			return nil
		}
		return fmt.Errorf("cloudtasks: タスク登録失敗 (queue=%s): %w", ct.queue, err)
	}
	return nil
}

// buildAnswerTask は回答タスクの作成リクエストを組み立てます
func (ct *CloudTasksClient) buildAnswerTask(runAtUnix int64, payload *service.AnswerTaskPayload) (*cloudtaskspb.CreateTaskRequest, error) {
	if payload == nil || payload.ChannelID == "" || payload.MessageTS == "" {
		return nil, fmt.Errorf("cloudtasks: ペイロード検証失敗: %w", domain.ErrInvalid)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks: ペイロード JSON 化失敗: %w", err)
	}

	httpReq := &cloudtaskspb.HttpRequest{
		Url:        ct.target,
		HttpMethod: cloudtaskspb.HttpMethod_POST,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
	if ct.svcAcct != "" {
		httpReq.AuthorizationHeader = &cloudtaskspb.HttpRequest_OidcToken{
			OidcToken: &cloudtaskspb.OidcToken{
				ServiceAccountEmail: ct.svcAcct,
				Audience:            ct.audience,
			},
		}
	}

	task := &cloudtaskspb.Task{
		Name:        fmt.Sprintf("%s/tasks/%s", ct.queue, answerTaskID(payload)),
		MessageType: &cloudtaskspb.Task_HttpRequest{HttpRequest: httpReq},
	}
	if runAtUnix > 0 {
		task.ScheduleTime = timestamppb.New(time.Unix(runAtUnix, 0))
	}

	return &cloudtaskspb.CreateTaskRequest{Parent: ct.queue, Task: task}, nil
}

// answerTaskID は投稿ごとに一意なタスクIDを返します（英数字・ハイフン・アンダースコアのみ）
func answerTaskID(p *service.AnswerTaskPayload) string {
	id := fmt.Sprintf("answer-%s-%s", p.ChannelID, p.MessageTS)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

// Close は Cloud Tasks クライアントを閉じます
func (ct *CloudTasksClient) Close() error {
	return ct.client.Close()
}
