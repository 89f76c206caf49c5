package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
)

// NoAnswerText は回答生成に失敗した場合に投稿する定型文です
const NoAnswerText = "申し訳ありません、現在この質問に回答できません。"

// AnswerService は質問への自動回答を行うサービスです
type AnswerService interface {
	// OnQuestion はメッセージ受信時に呼ばれ、回答対象であれば回答ジョブをキューに登録します
	OnQuestion(ctx context.Context, ev *QuestionEvent) error

	// Answer は回答ジョブから呼ばれ、分類・検索・生成を行ってスレッドに回答を投稿します
	Answer(ctx context.Context, p *AnswerTaskPayload) (AnswerResult, error)
}

// answerService は AnswerService の実装です
type answerService struct {
	topK     int
	reaction string
	policy   CallPolicy
	er       domain.EscalationRepository
	rr       domain.BotReplyRepository
	cl       Classifier
	em       Embedder
	vi       VectorIndex
	gen      Generator
	sp       SlackPort
	tp       TaskPort
	logger   *logrus.Entry
}

// NewAnswerService は AnswerService のインスタンスを作成します
func NewAnswerService(
	cfg *config.Config,
	er domain.EscalationRepository,
	rr domain.BotReplyRepository,
	cl Classifier,
	em Embedder,
	vi VectorIndex,
	gen Generator,
	sp SlackPort,
	tp TaskPort,
	logger *logrus.Entry,
) AnswerService {
	return &answerService{
		topK:     cfg.RetrievalTopK,
		reaction: strings.Trim(cfg.EscalationReaction, ":"),
		policy:   PolicyFromConfig(cfg),
		er:       er,
		rr:       rr,
		cl:       cl,
		em:       em,
		vi:       vi,
		gen:      gen,
		sp:       sp,
		tp:       tp,
		logger:   logger,
	}
}

// OnQuestion はトップレベルの人間の投稿だけを回答ジョブとして登録します
func (as *answerService) OnQuestion(ctx context.Context, ev *QuestionEvent) error {
	if !isAnswerable(ev) {
		return nil
	}

	payload := &AnswerTaskPayload{
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		MessageTS: ev.MessageTS,
		Text:      ev.Text,
	}
	if err := as.tp.EnqueueAnswer(ctx, ev.NowUnix, payload); err != nil {
		return fmt.Errorf("OnQuestion: 回答タスク登録失敗: %w", err)
	}
	return nil
}

// Answer は質問に回答を投稿し、ボット返信とカテゴリの対応を記録します
func (as *answerService) Answer(ctx context.Context, p *AnswerTaskPayload) (AnswerResult, error) {
	result, err := as.answer(ctx, p)
	if result != "" {
		answersTotal.WithLabelValues(string(result)).Inc()
	}
	return result, err
}

func (as *answerService) answer(ctx context.Context, p *AnswerTaskPayload) (AnswerResult, error) {
	if p.ChannelID == "" || p.MessageTS == "" {
		return "", fmt.Errorf("Answer: ペイロード検証失敗: %w", domain.ErrInvalid)
	}
	log := as.logger.WithFields(logrus.Fields{"channel": p.ChannelID, "ts": p.MessageTS})

	// 質問判定に失敗した場合は回答しない
	question, err := call(ctx, as.policy, "llm.is_question", func(ctx context.Context) (bool, error) {
		return as.cl.IsQuestion(ctx, p.Text)
	})
	if err != nil {
		log.WithError(err).Warn("質問判定に失敗したため回答をスキップします")
		return AnswerSkipped, nil
	}
	if !question {
		return AnswerSkipped, nil
	}

	category := as.classify(ctx, log, p.Text)
	log = log.WithField("category", category)

	docs := as.retrieve(ctx, log, p.Text)

	result := AnswerPosted
	text, err := call(ctx, as.policy, "llm.generate", func(ctx context.Context) (string, error) {
		return as.gen.Complete(ctx, BuildAnswerPrompt(p.Text, category, docs))
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		log.WithError(err).Error("回答生成に失敗したため定型文を投稿します")
		text = NoAnswerText
		result = AnswerFallback
	}
	text += "\n" + as.reactionHint()

	replyTS, err := call(ctx, as.policy, "slack.post", func(ctx context.Context) (string, error) {
		return as.sp.PostThreadMessage(ctx, p.ChannelID, p.MessageTS, text)
	})
	if err != nil {
		return "", fmt.Errorf("Answer: 回答投稿失敗: %w", err)
	}

	reply := &domain.BotReply{
		ChannelID: p.ChannelID,
		ReplyTS:   replyTS,
		ThreadTS:  p.MessageTS,
		Category:  category,
	}
	if err := as.rr.Save(ctx, reply); err != nil {
		return result, fmt.Errorf("Answer: ボット返信記録失敗: %w", err)
	}

	log.WithField("reply_ts", replyTS).Info("回答を投稿しました")
	return result, nil
}

// classify は登録済みカテゴリで質問を分類します。失敗時は uncategorized です
func (as *answerService) classify(ctx context.Context, log *logrus.Entry, text string) string {
	schema, err := as.er.List(ctx)
	if err != nil {
		log.WithError(err).Warn("カテゴリ一覧の取得に失敗しました")
		return domain.CategoryUncategorized
	}
	categories := sortedCategories(schema)
	if len(categories) == 0 {
		return domain.CategoryUncategorized
	}

	category, err := call(ctx, as.policy, "llm.classify", func(ctx context.Context) (string, error) {
		return as.cl.Classify(ctx, text, categories)
	})
	if err != nil {
		log.WithError(err).Warn("分類に失敗したため uncategorized とします")
		return domain.CategoryUncategorized
	}
	return MatchCategory(category, categories)
}

// retrieve は類似スレッドを検索します。失敗時は空のコンテキストで回答します
func (as *answerService) retrieve(ctx context.Context, log *logrus.Entry, text string) []RetrievedDocument {
	vec, err := call(ctx, as.policy, "llm.embed_query", func(ctx context.Context) ([]float32, error) {
		return as.em.EmbedQuery(ctx, text)
	})
	if err != nil {
		log.WithError(err).Warn("質問の埋め込みに失敗したためコンテキストなしで回答します")
		return nil
	}

	docs, err := call(ctx, as.policy, "vector.query", func(ctx context.Context) ([]RetrievedDocument, error) {
		return as.vi.Query(ctx, vec, as.topK)
	})
	if err != nil {
		log.WithError(err).Warn("類似検索に失敗したためコンテキストなしで回答します")
		return nil
	}
	return docs
}

func (as *answerService) reactionHint() string {
	return fmt.Sprintf("（解決しない場合は :%s: リアクションで担当者に引き継ぎます）", as.reaction)
}

// isAnswerable は回答対象の投稿かどうかを判定します
// ボット・システムメッセージ・スレッド内の返信は対象外です
func isAnswerable(ev *QuestionEvent) bool {
	if ev.UserID == "" || ev.UserID == ev.BotUserID || ev.BotID != "" {
		return false
	}
	if ev.Subtype != "" {
		return false
	}
	if ev.ThreadTS != "" && ev.ThreadTS != ev.MessageTS {
		return false
	}
	return strings.TrimSpace(ev.Text) != "" && ev.ChannelID != "" && ev.MessageTS != ""
}

// MatchCategory は言語モデルの出力を登録済みカテゴリに対応付けます
// 一致しない場合は uncategorized を返します
func MatchCategory(label string, categories []string) string {
	norm := domain.NormalizeCategory(strings.Trim(label, " \t\"'`.-*"))
	if norm == "" {
		return domain.CategoryUncategorized
	}
	for _, c := range categories {
		if domain.NormalizeCategory(c) == norm {
			return c
		}
	}
	return domain.CategoryUncategorized
}

// BuildAnswerPrompt は質問・カテゴリ・類似スレッドから回答生成用のプロンプトを組み立てます
func BuildAnswerPrompt(question, category string, docs []RetrievedDocument) string {
	var b strings.Builder
	b.WriteString("あなたはサポート窓口の Slack アシスタントです。以下の過去のやり取りを参考に質問に回答してください。\n")
	b.WriteString("参考情報に触れていることは明示せず、自分の知識として簡潔に伝えてください。")
	b.WriteString("分からない場合は「分かりません」と答え、推測で詳細を作らないでください。\n\n")
	fmt.Fprintf(&b, "質問: %s\n", question)
	fmt.Fprintf(&b, "カテゴリ: %s\n\n", category)
	b.WriteString("過去のやり取り:\n")
	if len(docs) == 0 {
		b.WriteString("（なし）\n")
	}
	for i, d := range docs {
		fmt.Fprintf(&b, "---- %d ----\n%s\n", i+1, d.Document)
	}
	return b.String()
}

