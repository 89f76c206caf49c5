package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
	"support-bot/project/infrastructure/llm"
	"support-bot/project/infrastructure/logging"
	"support-bot/project/infrastructure/secret"
	"support-bot/project/infrastructure/store"
	"support-bot/project/service"
)

var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "supportctl",
		Short:         "サポートボットの運用コマンド",
		Long:          "Slack エクスポートの取り込み・分類・埋め込み、担当表の管理、マイグレーションを行います",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug ログを出力する")

	root.AddCommand(ingestCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(embedCmd())
	root.AddCommand(pruneCmd())
	root.AddCommand(categoriesCmd())
	root.AddCommand(escalationCmd())
	root.AddCommand(migrateCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "エラー:", err)
		os.Exit(1)
	}
}

// app はサブコマンドが使う依存関係をまとめたものです
type app struct {
	cfg     *config.Config
	logger  *logrus.Entry
	closers []func() error
}

// newApp は設定とロガーを用意します。各ストアは必要なコマンドだけが開きます
func newApp() (*app, error) {
	logger := logging.NewLoggerWithService("supportctl")
	config.LoadEnv(logger)

	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("設定読み込み失敗: %w", err)
	}
	level := logging.ParseLevel(cfg.LogLevel)
	if verbose {
		level = logrus.DebugLevel
	}
	logger.Logger.SetLevel(level)

	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("クローズ失敗")
		}
	}
}

func (a *app) postgres() (*sql.DB, error) {
	if err := a.cfg.Require("DATABASE_URL"); err != nil {
		return nil, err
	}
	db, err := store.OpenPostgres(a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) escalations(ctx context.Context) (*store.FirestoreRepo, error) {
	if err := a.cfg.Require("GCP_PROJECT"); err != nil {
		return nil, err
	}
	repo, err := store.NewFirestoreRepo(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("Firestore 初期化失敗: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	return repo, nil
}

// loadLLMKey は LLM_API_KEY が未設定なら Secret Manager から取得します
func (a *app) loadLLMKey(ctx context.Context) error {
	if a.cfg.LLMAPIKey != "" {
		return nil
	}
	if err := a.cfg.Require("GCP_PROJECT"); err != nil {
		return err
	}
	sm, err := secret.NewManager(ctx, a.cfg.GcpProject, a.logger)
	if err != nil {
		return fmt.Errorf("Secret Manager 初期化失敗: %w", err)
	}
	defer sm.Close()
	return a.cfg.LoadSecrets(ctx, sm, config.SecretLLMAPIKey)
}

// ingestService は取り込み系コマンド用に IngestService を組み立てます
// withLLM が false の場合、分類・埋め込みを使わないコマンド向けに LLM を初期化しません
func (a *app) ingestService(ctx context.Context, withLLM, withEscalations bool) (*service.IngestService, error) {
	db, err := a.postgres()
	if err != nil {
		return nil, err
	}

	var (
		cl service.Classifier
		em service.Embedder
	)
	if withLLM {
		if err := a.loadLLMKey(ctx); err != nil {
			return nil, err
		}
		client, embedder, err := llm.NewFromConfig(a.cfg, a.logger.WithField("component", "llm"))
		if err != nil {
			return nil, fmt.Errorf("言語モデル初期化失敗: %w", err)
		}
		cl, em = client, embedder
	}

	var er domain.EscalationRepository
	if withEscalations {
		repo, err := a.escalations(ctx)
		if err != nil {
			return nil, err
		}
		er = repo
	}

	return service.NewIngestService(a.cfg,
		store.NewThreadStore(db),
		er,
		store.NewVectorStore(db),
		cl, em,
		a.logger.WithField("component", "ingest")), nil
}

// withApp は app を用意してサブコマンドを実行します
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
