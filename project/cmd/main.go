package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"support-bot/project/handler"
	"support-bot/project/infrastructure/config"
	"support-bot/project/infrastructure/httpsec"
	"support-bot/project/infrastructure/llm"
	"support-bot/project/infrastructure/logging"
	"support-bot/project/infrastructure/secret"
	"support-bot/project/infrastructure/slack"
	"support-bot/project/infrastructure/store"
	"support-bot/project/infrastructure/tasks"
	"support-bot/project/service"
)

func main() {
	logger := logging.NewLoggerWithService("support-bot")
	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("サーバーを停止します")
	}
}

func run(logger *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 設定を読み込む
	config.LoadEnv(logger)
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("設定読み込み失敗: %w", err)
	}
	logger.Logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Require("GCP_PROJECT", "DATABASE_URL"); err != nil {
		return err
	}

	// 2. 依存関係を初期化
	// Secret Manager（環境変数で設定済みのシークレットは参照しない）
	secretMgr, err := secret.NewManager(ctx, cfg.GcpProject, logger)
	if err != nil {
		return fmt.Errorf("Secret Manager 初期化失敗: %w", err)
	}
	defer secretMgr.Close()

	if err := cfg.LoadSecrets(ctx, secretMgr,
		config.SecretSlackSigningSecret,
		config.SecretSlackBotToken,
		config.SecretLLMAPIKey,
	); err != nil {
		return err
	}

	// Firestore（エスカレーション担当表）
	escalations, err := store.NewFirestoreRepo(ctx, cfg)
	if err != nil {
		return fmt.Errorf("Firestore 初期化失敗: %w", err)
	}
	defer escalations.Close()

	// Redis（ボット返信の記録）
	rdb := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	replies := store.NewReplyStore(rdb, cfg.ReplyRecordTTL)

	// PostgreSQL + pgvector（類似検索）
	db, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("PostgreSQL 初期化失敗: %w", err)
	}
	defer db.Close()
	vectors := store.NewVectorStore(db)

	// 言語モデル・埋め込み
	llmClient, embedder, err := llm.NewFromConfig(cfg, logger.WithField("component", "llm"))
	if err != nil {
		return fmt.Errorf("言語モデル初期化失敗: %w", err)
	}

	// Slack API ポート実装
	slackClient := slack.NewSlackClient(cfg.SlackBotToken, "")

	// Cloud Tasks ポート実装
	tasksClient, err := tasks.NewCloudTasksClient(ctx, cfg, logger.WithField("component", "tasks"))
	if err != nil {
		return fmt.Errorf("Cloud Tasks クライアント初期化失敗: %w", err)
	}
	defer tasksClient.Close()

	// 3. サービス層を初期化
	answerService := service.NewAnswerService(cfg, escalations, replies, llmClient, embedder, vectors, llmClient, slackClient, tasksClient,
		logger.WithField("component", "answer"))
	escalationService := service.NewEscalationService(cfg, escalations, replies, slackClient,
		logger.WithField("component", "escalation"))

	// 4. HTTP ハンドラーを設定
	verify := httpsec.SlackVerifier(cfg.SlackSigningSecret, logger)
	mux := http.NewServeMux()

	// Slack イベント受信
	mux.Handle("/slack/events", verify(handler.NewEventsHandler(answerService, escalationService, slackClient, logger.WithField("component", "events"))))

	// Slack スラッシュコマンド
	mux.Handle("/slack/commands", verify(handler.NewCommandsHandler(escalationService, logger.WithField("component", "commands"))))

	// Cloud Tasks からのコールバック
	mux.Handle(tasks.AnswerPath, handler.NewAnswerHandler(answerService, logger.WithField("component", "tasks")))

	// メトリクス
	mux.Handle("/metrics", promhttp.Handler())

	// ヘルスチェック
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// 5. サーバー起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("サーバー起動")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("サーバーエラー: %w", err)
	case <-ctx.Done():
	}

	logger.Info("シャットダウンします")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
