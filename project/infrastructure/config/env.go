package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Secret Manager 上のシークレット名
const (
	SecretSlackSigningSecret = "slack-signing-secret"
	SecretSlackBotToken      = "slack-bot-token"
	SecretLLMAPIKey          = "llm-api-key"
)

// Config は環境変数から読み込まれるアプリケーション設定を表します
type Config struct {
	// 基本設定
	AppBaseURL string
	GcpProject string
	Region     string
	Port       string

	// Firestore設定
	FirestoreProjectID   string
	CollectionEscalation string

	// PostgreSQL設定（スレッド・ベクトル索引）
	DatabaseURL string

	// Redis設定（ボット返信の記録）
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ReplyRecordTTL time.Duration

	// Cloud Tasks設定
	TasksQueueAnswer    string
	TasksAudience       string
	TasksServiceAccount string

	// LLM設定
	LLMBaseURL          string
	LLMModel            string
	LLMClassifierModel  string
	EmbeddingModel      string
	EmbeddingDimensions int

	// 回答・エスカレーション設定
	EscalationReaction string
	RetrievalTopK      int

	// 外部呼び出しのタイムアウトとリトライ
	CallTimeout    time.Duration
	CallMaxRetries int
	CallBaseDelay  time.Duration

	// 取り込みバッチ設定
	ClassifyBatchSize int
	ClassifyInterval  time.Duration
	IngestWorkers     int

	LogLevel string

	// Slack API設定（Secret Manager から読み込み）
	SlackSigningSecret string
	SlackBotToken      string

	// LLM APIキー（Secret Manager から読み込み）
	LLMAPIKey string
}

// SecretGetter はシークレット名から値を取得します
type SecretGetter interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

// LoadEnv はカレントディレクトリの .env / .env.dev を読み込みます
// ファイルが無い場合はプロセスの環境変数のみを使います
func LoadEnv(logger *logrus.Entry) {
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("%s の読み込み失敗", file)
			}
			continue
		}
		if logger != nil {
			logger.Debugf("%s を読み込みました", file)
		}
	}
}

// NewConfig は環境変数から設定を読み込み、Config構造体を返します
// 数値・期間の形式が不正な場合はエラーを返します
func NewConfig() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		// 基本設定
		AppBaseURL: getEnv("APP_BASE_URL", ""),
		GcpProject: getEnv("GCP_PROJECT", ""),
		Region:     getEnv("REGION", "asia-northeast1"),
		Port:       getEnv("PORT", "8080"),

		// Firestore設定
		FirestoreProjectID:   getEnv("FIRESTORE_PROJECT_ID", os.Getenv("GCP_PROJECT")),
		CollectionEscalation: getEnv("FS_COLLECTION_ESCALATION", "escalation"),

		// PostgreSQL設定
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// Redis設定
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        p.int("REDIS_DB", 0),
		ReplyRecordTTL: p.duration("REPLY_RECORD_TTL", 7*24*time.Hour),

		// Cloud Tasks設定
		TasksQueueAnswer:    getEnv("TASKS_QUEUE_ANSWER", ""),
		TasksAudience:       getEnv("TASKS_AUDIENCE", ""),
		TasksServiceAccount: getEnv("TASKS_SERVICE_ACCOUNT", ""),

		// LLM設定
		LLMBaseURL:          getEnv("LLM_BASE_URL", ""),
		LLMModel:            getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMClassifierModel:  getEnv("LLM_CLASSIFIER_MODEL", ""),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: p.int("EMBEDDING_DIMENSIONS", 1536),

		// 回答・エスカレーション設定
		EscalationReaction: strings.Trim(getEnv("ESCALATION_REACTION", "x"), ":"),
		RetrievalTopK:      p.int("RETRIEVAL_TOP_K", 5),

		// 外部呼び出し
		CallTimeout:    p.duration("CALL_TIMEOUT", 20*time.Second),
		CallMaxRetries: p.int("CALL_MAX_RETRIES", 2),
		CallBaseDelay:  p.duration("CALL_BASE_DELAY", 500*time.Millisecond),

		// 取り込みバッチ設定
		ClassifyBatchSize: p.int("CLASSIFY_BATCH_SIZE", 50),
		ClassifyInterval:  p.duration("CLASSIFY_RATE", 5*time.Second),
		IngestWorkers:     p.int("INGEST_WORKERS", 1),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
	}
	if cfg.LLMClassifierModel == "" {
		cfg.LLMClassifierModel = cfg.LLMModel
	}

	if p.err != nil {
		return nil, p.err
	}
	if cfg.ClassifyBatchSize <= 0 {
		return nil, fmt.Errorf("config: CLASSIFY_BATCH_SIZE は1以上が必要です (value=%d)", cfg.ClassifyBatchSize)
	}
	if cfg.IngestWorkers <= 0 {
		return nil, fmt.Errorf("config: INGEST_WORKERS は1以上が必要です (value=%d)", cfg.IngestWorkers)
	}
	if cfg.RetrievalTopK <= 0 {
		return nil, fmt.Errorf("config: RETRIEVAL_TOP_K は1以上が必要です (value=%d)", cfg.RetrievalTopK)
	}
	if cfg.CallMaxRetries < 0 {
		cfg.CallMaxRetries = 0
	}

	return cfg, nil
}

// LoadSecrets は環境変数で指定されていないシークレットを Secret Manager から取得します
// names に指定したシークレットのみが対象です
func (c *Config) LoadSecrets(ctx context.Context, sm SecretGetter, names ...string) error {
	for _, name := range names {
		target := c.secretField(name)
		if target == nil {
			return fmt.Errorf("config: 未知のシークレット名です (name=%s)", name)
		}
		if *target != "" {
			continue
		}
		if sm == nil {
			return fmt.Errorf("config: シークレットが未設定で Secret Manager も利用できません (name=%s)", name)
		}
		v, err := sm.GetSecret(ctx, name)
		if err != nil {
			return fmt.Errorf("config: %s 取得失敗: %w", name, err)
		}
		*target = v
	}
	return nil
}

// Require は指定した環境変数に対応する設定値が空でないことを検証します
func (c *Config) Require(keys ...string) error {
	values := map[string]string{
		"GCP_PROJECT":           c.GcpProject,
		"APP_BASE_URL":          c.AppBaseURL,
		"FIRESTORE_PROJECT_ID":  c.FirestoreProjectID,
		"DATABASE_URL":          c.DatabaseURL,
		"REDIS_ADDR":            c.RedisAddr,
		"TASKS_QUEUE_ANSWER":    c.TasksQueueAnswer,
		"TASKS_AUDIENCE":        c.TasksAudience,
		"TASKS_SERVICE_ACCOUNT": c.TasksServiceAccount,
	}
	var missing []string
	for _, k := range keys {
		if values[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: 必須の環境変数が未設定です: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) secretField(name string) *string {
	switch name {
	case SecretSlackSigningSecret:
		return &c.SlackSigningSecret
	case SecretSlackBotToken:
		return &c.SlackBotToken
	case SecretLLMAPIKey:
		return &c.LLMAPIKey
	}
	return nil
}

// getEnv は環境変数を取得し、未設定の場合は既定値を返します
func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// parser は最初の変換エラーを保持します
type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("config: %s の形式が不正です: %w", key, err)
		}
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("config: %s の形式が不正です: %w", key, err)
		}
		return def
	}
	return d
}
