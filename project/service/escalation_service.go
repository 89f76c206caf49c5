package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
)

// EscalationRouter はエスカレーション表の読み取り・更新を直列化して担当者を選出します
type EscalationRouter struct {
	repo         domain.EscalationRepository
	maxConflicts int
	baseDelay    time.Duration
}

// NewEscalationRouter は EscalationRouter を作成します
func NewEscalationRouter(repo domain.EscalationRepository) *EscalationRouter {
	return &EscalationRouter{
		repo:         repo,
		maxConflicts: 5,
		baseDelay:    20 * time.Millisecond,
	}
}

// Assign は指定カテゴリの次の担当者を選出し、更新を永続化してから返します
// 同時更新で競合した場合は読み直して再試行します
func (r *EscalationRouter) Assign(ctx context.Context, category string) (string, error) {
	member, err := retryOnConflict(ctx, r, func() (string, error) {
		return r.tryAssign(ctx, category)
	})
	if err != nil {
		return "", fmt.Errorf("Assign: 担当者選出失敗 (category=%s): %w", category, err)
	}
	return member, nil
}

// Update は現在のエントリから fn で次のエントリを計算して保存します
// 既存カテゴリは WriteIfUnchanged で書き込み、競合した場合は読み直して fn を再計算します
// fn の結果が現在値と同じ場合は書き込みません
func (r *EscalationRouter) Update(ctx context.Context, category string, fn func(current domain.EscalationEntry, found bool) domain.EscalationEntry) (domain.EscalationEntry, error) {
	entry, err := retryOnConflict(ctx, r, func() (domain.EscalationEntry, error) {
		current, err := r.repo.Read(ctx, category)
		found := err == nil
		if err != nil && !errors.Is(err, domain.ErrUnknownCategory) {
			return domain.EscalationEntry{}, err
		}

		next := fn(current, found)
		if !found {
			return next, r.repo.Put(ctx, category, next)
		}
		if next.Equal(current) {
			return current, nil
		}
		return next, r.repo.WriteIfUnchanged(ctx, category, current, next)
	})
	if err != nil {
		return domain.EscalationEntry{}, fmt.Errorf("Update: 担当表更新失敗 (category=%s): %w", category, err)
	}
	return entry, nil
}

// retryOnConflict は domain.ErrConcurrentUpdate の場合だけ fn をバックオフ付きで再実行します
func retryOnConflict[T any](ctx context.Context, r *EscalationRouter, fn func() (T, error)) (T, error) {
	rp := retrypolicy.NewBuilder[T]().
		WithBackoff(r.baseDelay, 20*r.baseDelay).
		WithMaxRetries(r.maxConflicts).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return errors.Is(err, domain.ErrConcurrentUpdate)
		}).
		Build()

	var lastErr error
	out, err := failsafe.With(rp).WithContext(ctx).Get(func() (T, error) {
		v, err := fn()
		if err != nil {
			lastErr = err
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				escalationConflictsTotal.Inc()
			}
		}
		return v, err
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		var zero T
		return zero, lastErr
	}
	return out, nil
}

// tryAssign は読み取り→次の担当者の計算→変更がない場合のみ書き込み、を1回行います
func (r *EscalationRouter) tryAssign(ctx context.Context, category string) (string, error) {
	current, err := r.repo.Read(ctx, category)
	if err != nil {
		return "", err
	}

	next, member, err := domain.NextAssignee(domain.EscalationSchema{category: current}, category)
	if err != nil {
		return "", err
	}

	if err := r.repo.WriteIfUnchanged(ctx, category, current, next[category]); err != nil {
		return "", err
	}
	return member, nil
}

// EscalationService はリアクションによるエスカレーションと担当表の管理を行うサービスです
type EscalationService interface {
	// OnReaction はボット返信へのリアクションを処理し、終端状態を返します
	OnReaction(ctx context.Context, ev *ReactionEvent) (Outcome, error)

	// SetRotation はカテゴリの担当者リストを設定します
	SetRotation(ctx context.Context, category string, memberRefs []string) (domain.EscalationEntry, error)

	// ShowRotation は担当表を取得します。category が空の場合は全件です
	ShowRotation(ctx context.Context, category string) (domain.EscalationSchema, error)

	// RemoveRotation はカテゴリを担当表から削除します
	RemoveRotation(ctx context.Context, category string) error

	// LoadStaff はスタッフ一覧から担当表を構築して保存します
	// replace が true の場合、一覧に無いカテゴリは削除します
	LoadStaff(ctx context.Context, staff []domain.StaffMember, replace bool) (domain.EscalationSchema, error)
}

// escalationService は EscalationService の実装です
type escalationService struct {
	trigger string
	policy  CallPolicy
	router  *EscalationRouter
	er      domain.EscalationRepository
	rr      domain.BotReplyRepository
	sp      SlackPort
	logger  *logrus.Entry
}

// NewEscalationService は EscalationService のインスタンスを作成します
func NewEscalationService(
	cfg *config.Config,
	er domain.EscalationRepository,
	rr domain.BotReplyRepository,
	sp SlackPort,
	logger *logrus.Entry,
) EscalationService {
	return &escalationService{
		trigger: strings.Trim(cfg.EscalationReaction, ":"),
		policy:  PolicyFromConfig(cfg),
		router:  NewEscalationRouter(er),
		er:      er,
		rr:      rr,
		sp:      sp,
		logger:  logger,
	}
}

// OnReaction はリアクションを受けて Escalated または Ignored に遷移します
func (es *escalationService) OnReaction(ctx context.Context, ev *ReactionEvent) (Outcome, error) {
	out, err := es.onReaction(ctx, ev)
	escalationsTotal.WithLabelValues(string(out.State), out.Reason).Inc()
	return out, err
}

func (es *escalationService) onReaction(ctx context.Context, ev *ReactionEvent) (Outcome, error) {
	// ボット自身のリアクションは常に無視。ボットのIDが不明な場合も判別できないため無視する
	if ev.BotUserID == "" {
		return ignored(ReasonBotUnknown, ""), nil
	}
	if ev.UserID == ev.BotUserID {
		return ignored(ReasonBotReaction, ""), nil
	}
	if strings.Trim(ev.Reaction, ":") != es.trigger {
		return ignored(ReasonNotTrigger, ""), nil
	}
	if ev.ItemType != "" && ev.ItemType != "message" {
		return ignored(ReasonNotMessage, ""), nil
	}

	reply, err := es.rr.Find(ctx, ev.ChannelID, ev.ItemTS)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ignored(ReasonUnknownReply, ""), nil
		}
		return Outcome{State: OutcomeIgnored}, fmt.Errorf("OnReaction: ボット返信取得失敗: %w", err)
	}

	threadTS := reply.ThreadTS
	if threadTS == "" {
		threadTS = reply.ReplyTS
	}
	log := es.logger.WithFields(logrus.Fields{
		"reply_key": domain.ReplyKey(reply.ChannelID, reply.ReplyTS),
		"category":  reply.Category,
	})

	// 1つのボット返信につきエスカレーションは1回だけ
	claimed, err := es.rr.ClaimEscalation(ctx, reply.ChannelID, reply.ReplyTS)
	if err != nil {
		return Outcome{State: OutcomeIgnored, Category: reply.Category}, fmt.Errorf("OnReaction: エスカレーション記録失敗: %w", err)
	}
	if !claimed {
		log.Info("エスカレーション済みの返信です")
		return ignored(ReasonAlreadyEscalated, reply.Category), nil
	}

	assignee, err := es.router.Assign(ctx, reply.Category)
	if err != nil {
		// 担当者を選べなかった場合は、後からのリアクションで再度エスカレーションできるようにする
		if rerr := es.rr.ReleaseEscalation(ctx, reply.ChannelID, reply.ReplyTS); rerr != nil {
			log.WithError(rerr).Error("エスカレーション記録の解除に失敗しました")
		}
		if errors.Is(err, domain.ErrUnknownCategory) {
			// 担当表の不備はスレッド上で利用者に知らせる
			log.Warn("エスカレーション先が未設定のカテゴリです")
			text := fmt.Sprintf("カテゴリ「%s」のエスカレーション先が設定されていません。管理者にお問い合わせください。", reply.Category)
			if _, perr := es.post(ctx, reply.ChannelID, threadTS, text); perr != nil {
				log.WithError(perr).Error("未設定通知の投稿に失敗しました")
			}
			return ignored(ReasonUnknownCategory, reply.Category), nil
		}
		return Outcome{State: OutcomeIgnored, Category: reply.Category}, fmt.Errorf("OnReaction: %w", err)
	}

	out := Outcome{State: OutcomeEscalated, Category: reply.Category, Assignee: assignee}
	log = log.WithField("assignee", assignee)

	// ローテーションは更新済みのため、通知に失敗しても Escalated のまま返す
	text := fmt.Sprintf("<@%s> さん、こちらの質問への対応をお願いします🙏（カテゴリ: %s）", assignee, reply.Category)
	if _, err := es.post(ctx, reply.ChannelID, threadTS, text); err != nil {
		log.WithError(err).Error("エスカレーション通知の投稿に失敗しました")
		return out, fmt.Errorf("OnReaction: エスカレーション通知投稿失敗: %w", err)
	}

	// 担当者への個別通知は補助的なもので、失敗してもエスカレーションは成立
	dm := fmt.Sprintf("<#%s> でカテゴリ「%s」の質問がエスカレーションされました。スレッドをご確認ください。", reply.ChannelID, reply.Category)
	if _, err := call(ctx, es.policy, "slack.dm", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, es.sp.PostDM(ctx, assignee, dm)
	}); err != nil {
		log.WithError(err).Warn("担当者へのDM送信に失敗しました")
	}

	log.Info("エスカレーションしました")
	return out, nil
}

// SetRotation はメンション等から担当者を解決し、カテゴリの担当者リストを保存します
// 担当者リストが変わらない場合は現在の位置を保持します
func (es *escalationService) SetRotation(ctx context.Context, category string, memberRefs []string) (domain.EscalationEntry, error) {
	category = domain.NormalizeCategory(category)
	if category == "" {
		return domain.EscalationEntry{}, fmt.Errorf("SetRotation: カテゴリが空です: %w", domain.ErrInvalid)
	}

	var members []string
	seen := make(map[string]bool)
	for _, ref := range memberRefs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		id, err := call(ctx, es.policy, "slack.resolve_user", func(ctx context.Context) (string, error) {
			return es.sp.ResolveUserID(ctx, ref)
		})
		if err != nil {
			return domain.EscalationEntry{}, fmt.Errorf("SetRotation: ユーザー解決失敗 (ref=%s): %w", ref, err)
		}
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	if len(members) == 0 {
		return domain.EscalationEntry{}, fmt.Errorf("SetRotation: 担当者が指定されていません: %w", domain.ErrInvalid)
	}

	entry, err := es.router.Update(ctx, category, keepPosition(domain.NewEscalationEntry(members)))
	if err != nil {
		return domain.EscalationEntry{}, fmt.Errorf("SetRotation: %w", err)
	}
	return entry, nil
}

// ShowRotation は担当表を取得します
func (es *escalationService) ShowRotation(ctx context.Context, category string) (domain.EscalationSchema, error) {
	category = domain.NormalizeCategory(category)
	if category == "" {
		schema, err := es.er.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("ShowRotation: 担当表取得失敗: %w", err)
		}
		return schema, nil
	}

	entry, err := es.er.Read(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("ShowRotation: 担当表取得失敗: %w", err)
	}
	return domain.EscalationSchema{category: entry}, nil
}

// RemoveRotation はカテゴリを削除します
func (es *escalationService) RemoveRotation(ctx context.Context, category string) error {
	category = domain.NormalizeCategory(category)
	if category == "" {
		return fmt.Errorf("RemoveRotation: カテゴリが空です: %w", domain.ErrInvalid)
	}
	if err := es.er.Delete(ctx, category); err != nil {
		return fmt.Errorf("RemoveRotation: 担当表削除失敗: %w", err)
	}
	return nil
}

// LoadStaff はスタッフ一覧から担当表を構築して保存します
func (es *escalationService) LoadStaff(ctx context.Context, staff []domain.StaffMember, replace bool) (domain.EscalationSchema, error) {
	schema, err := domain.SchemaFromStaff(staff)
	if err != nil {
		return nil, fmt.Errorf("LoadStaff: %w", err)
	}

	current, err := es.er.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadStaff: 担当表取得失敗: %w", err)
	}

	for _, category := range sortedCategories(schema) {
		entry, err := es.router.Update(ctx, category, keepPosition(schema[category]))
		if err != nil {
			return nil, fmt.Errorf("LoadStaff: %w", err)
		}
		schema[category] = entry
	}

	if replace {
		for category := range current {
			if _, ok := schema[category]; ok {
				continue
			}
			if err := es.er.Delete(ctx, category); err != nil {
				return nil, fmt.Errorf("LoadStaff: 担当表削除失敗 (category=%s): %w", category, err)
			}
		}
	}

	return schema, nil
}

// post はスレッドへの投稿をタイムアウト・リトライ付きで行います
func (es *escalationService) post(ctx context.Context, channelID, threadTS, text string) (string, error) {
	return call(ctx, es.policy, "slack.post", func(ctx context.Context) (string, error) {
		return es.sp.PostThreadMessage(ctx, channelID, threadTS, text)
	})
}

func ignored(reason, category string) Outcome {
	return Outcome{State: OutcomeIgnored, Reason: reason, Category: category}
}

// keepPosition は担当者リストが変わらない場合に現在の位置を保持する更新関数を返します
func keepPosition(fresh domain.EscalationEntry) func(domain.EscalationEntry, bool) domain.EscalationEntry {
	return func(current domain.EscalationEntry, found bool) domain.EscalationEntry {
		if found && sameMembers(current.Members, fresh.Members) {
			return current
		}
		return fresh
	}
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortedCategories は担当表のカテゴリ名を昇順で返します
func sortedCategories(schema domain.EscalationSchema) []string {
	categories := make([]string, 0, len(schema))
	for c := range schema {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}
