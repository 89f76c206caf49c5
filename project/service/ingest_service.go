package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
)

// IngestReport は取り込み結果の集計です
type IngestReport struct {
	Channels    int
	Threads     int
	Diagnostics int
	Failed      []string
}

// ClassifyReport は分類結果の集計です
type ClassifyReport struct {
	Threads    int
	Batches    int
	ByCategory map[string]int
}

// PruneReport は期間削除の結果です
type PruneReport struct {
	Threads int64
	Vectors int64
}

// IngestService はエクスポートの取り込み・分類・埋め込みを行うバッチ処理です
type IngestService struct {
	workers   int
	batchSize int
	interval  time.Duration
	policy    CallPolicy
	tr        domain.ThreadRepository
	er        domain.EscalationRepository
	vi        VectorIndex
	cl        Classifier
	em        Embedder
	logger    *logrus.Entry
}

// NewIngestService は IngestService を作成します
func NewIngestService(
	cfg *config.Config,
	tr domain.ThreadRepository,
	er domain.EscalationRepository,
	vi VectorIndex,
	cl Classifier,
	em Embedder,
	logger *logrus.Entry,
) *IngestService {
	batchSize := cfg.ClassifyBatchSize
	if batchSize < 1 {
		batchSize = 50
	}
	return &IngestService{
		workers:   cfg.IngestWorkers,
		batchSize: batchSize,
		interval:  cfg.ClassifyInterval,
		policy:    PolicyFromConfig(cfg),
		tr:        tr,
		er:        er,
		vi:        vi,
		cl:        cl,
		em:        em,
		logger:    logger,
	}
}

// Ingest はチャンネルごとにスレッドを構築し、チャンネル単位で置き換え保存します
// 失敗したチャンネルがあっても他のチャンネルは処理を続けます
func (s *IngestService) Ingest(ctx context.Context, channels []ChannelExport) (IngestReport, error) {
	workers := s.workers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return IngestReport{}, fmt.Errorf("Ingest: ワーカープール作成失敗: %w", err)
	}
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = IngestReport{Channels: len(channels)}
		errs   []error
	)
	for _, ch := range channels {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			threads, diags, err := s.ingestChannel(ctx, ch)

			mu.Lock()
			defer mu.Unlock()
			report.Diagnostics += diags
			if err != nil {
				report.Failed = append(report.Failed, ch.Name)
				errs = append(errs, err)
				return
			}
			report.Threads += threads
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			report.Failed = append(report.Failed, ch.Name)
			errs = append(errs, fmt.Errorf("Ingest: ジョブ投入失敗 (channel=%s): %w", ch.Name, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()

	return report, errors.Join(errs...)
}

// ingestChannel は1チャンネル分のスレッドを構築して保存します
func (s *IngestService) ingestChannel(ctx context.Context, ch ChannelExport) (int, int, error) {
	log := s.logger.WithField("channel", ch.Name)
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("Ingest: 中断されました (channel=%s): %w", ch.Name, err)
	}

	for _, d := range ch.Diagnostics {
		log.WithError(d).Warn("エクスポートの要素をスキップしました")
		ingestDiagnosticsTotal.WithLabelValues("malformed").Inc()
	}

	threads, diags := domain.BuildThreadsWithDiagnostics(ch.Name, ch.Events)
	for _, d := range diags {
		log.WithError(d).Debug("返信の参照先が見つかりません")
		ingestDiagnosticsTotal.WithLabelValues("lookup_miss").Inc()
	}

	threads, dropped := dedupeRoots(threads)
	for _, th := range dropped {
		log.WithField("root_ts", th.RootTimestamp).Warn("ルートTSが重複しているため後続のスレッドを破棄しました")
		ingestDiagnosticsTotal.WithLabelValues("duplicate_root").Inc()
	}
	diagCount := len(ch.Diagnostics) + len(diags) + len(dropped)

	if err := s.tr.ReplaceChannel(ctx, ch.Name, threads); err != nil {
		log.WithError(err).Error("スレッド保存に失敗しました")
		return 0, diagCount, fmt.Errorf("Ingest: スレッド保存失敗 (channel=%s): %w", ch.Name, err)
	}

	ingestedThreadsTotal.WithLabelValues(ch.Name).Add(float64(len(threads)))
	log.WithFields(logrus.Fields{
		"threads":     len(threads),
		"diagnostics": diagCount,
	}).Info("チャンネルを取り込みました")
	return len(threads), diagCount, nil
}

// dedupeRoots はルートTSが重複するスレッドを先勝ちで取り除きます
func dedupeRoots(threads []domain.Thread) ([]domain.Thread, []domain.Thread) {
	seen := make(map[string]struct{}, len(threads))
	kept := make([]domain.Thread, 0, len(threads))
	var dropped []domain.Thread
	for _, th := range threads {
		if _, dup := seen[th.RootTimestamp]; dup {
			dropped = append(dropped, th)
			continue
		}
		seen[th.RootTimestamp] = struct{}{}
		kept = append(kept, th)
	}
	return kept, dropped
}

// Categories は分類に使うカテゴリ一覧（エスカレーション表のキー）を返します
func (s *IngestService) Categories(ctx context.Context) ([]string, error) {
	schema, err := s.er.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("Categories: 担当表取得失敗: %w", err)
	}
	return sortedCategories(schema), nil
}

// Classify は未分類のスレッドをバッチ単位で分類します
// categories が空の場合はエスカレーション表のカテゴリを使います
func (s *IngestService) Classify(ctx context.Context, categories []string) (ClassifyReport, error) {
	report := ClassifyReport{ByCategory: make(map[string]int)}

	if len(categories) == 0 {
		var err error
		if categories, err = s.Categories(ctx); err != nil {
			return report, err
		}
	}
	if len(categories) == 0 {
		return report, fmt.Errorf("Classify: 分類先のカテゴリがありません: %w", domain.ErrInvalid)
	}

	// バッチ間の間隔（0 以下なら制限なし）
	limiter := rate.NewLimiter(rate.Every(s.interval), 1)

	for {
		batch, err := s.tr.ListUncategorized(ctx, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("Classify: 未分類スレッド取得失敗: %w", err)
		}
		if len(batch) == 0 {
			return report, nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("Classify: 中断されました: %w", err)
		}

		labels := s.classifyBatch(ctx, batch, categories)
		for i, th := range batch {
			if err := s.tr.SetCategory(ctx, th.Channel, th.RootTimestamp, labels[i]); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					// 取り込みし直しで消えたスレッド
					continue
				}
				return report, fmt.Errorf("Classify: カテゴリ保存失敗 (thread=%s): %w", th.Key(), err)
			}
			report.Threads++
			report.ByCategory[labels[i]]++
			classifiedThreadsTotal.WithLabelValues(labels[i]).Inc()
		}
		report.Batches++
		s.logger.WithFields(logrus.Fields{"batch": report.Batches, "threads": len(batch)}).Info("分類しました")
	}
}

// classifyBatch は1バッチ分のラベルを入力と同じ件数で返します
// 不足分・失敗時は uncategorized で補います
func (s *IngestService) classifyBatch(ctx context.Context, batch []domain.Thread, categories []string) []string {
	texts := make([]string, len(batch))
	for i, th := range batch {
		texts[i] = th.Root.Text
	}

	raw, err := call(ctx, s.policy, "llm.classify_batch", func(ctx context.Context) ([]string, error) {
		return s.cl.ClassifyBatch(ctx, texts, categories)
	})
	if err != nil {
		s.logger.WithError(err).Warn("バッチ分類に失敗したため uncategorized とします")
		raw = nil
	}
	if len(raw) != len(batch) {
		s.logger.WithFields(logrus.Fields{"want": len(batch), "got": len(raw)}).Debug("分類結果の件数を補正します")
	}

	return AlignLabels(raw, len(batch), categories)
}

// AlignLabels はラベル列を n 件に揃え、未知のラベルを uncategorized に置き換えます
func AlignLabels(raw []string, n int, categories []string) []string {
	labels := make([]string, n)
	for i := range labels {
		if i < len(raw) {
			labels[i] = MatchCategory(raw[i], categories)
		} else {
			labels[i] = domain.CategoryUncategorized
		}
	}
	return labels
}

// Embed は分類済みスレッドを埋め込んでベクトル索引に保存します
// channel が空の場合は全チャンネルが対象です
func (s *IngestService) Embed(ctx context.Context, channel string) (int, error) {
	threads, err := s.tr.ListForEmbedding(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("Embed: 対象スレッド取得失敗: %w", err)
	}

	stored := 0
	for start := 0; start < len(threads); start += s.batchSize {
		end := start + s.batchSize
		if end > len(threads) {
			end = len(threads)
		}
		chunk := threads[start:end]

		texts := make([]string, len(chunk))
		for i, th := range chunk {
			texts[i] = th.Document()
		}

		vectors, err := call(ctx, s.policy, "llm.embed_documents", func(ctx context.Context) ([][]float32, error) {
			return s.em.EmbedTexts(ctx, texts)
		})
		if err != nil {
			return stored, fmt.Errorf("Embed: 埋め込み失敗: %w", err)
		}
		if len(vectors) != len(chunk) {
			return stored, fmt.Errorf("Embed: 埋め込み件数が一致しません (want=%d, got=%d): %w", len(chunk), len(vectors), domain.ErrExternalService)
		}

		docs := make([]VectorDocument, len(chunk))
		for i, th := range chunk {
			docs[i] = VectorDocument{
				ID:        th.Key(),
				Channel:   th.Channel,
				RootTS:    th.RootTimestamp,
				Category:  th.Category,
				Text:      th.Root.Text,
				Document:  texts[i],
				Embedding: vectors[i],
			}
		}
		if err := s.vi.Upsert(ctx, docs); err != nil {
			return stored, fmt.Errorf("Embed: ベクトル保存失敗: %w", err)
		}
		stored += len(docs)
	}

	s.logger.WithFields(logrus.Fields{"channel": channel, "documents": stored}).Info("埋め込みを保存しました")
	return stored, nil
}

// Prune はルートTSが [fromTS, toTS] に含まれるスレッドを両方のストアから削除します
func (s *IngestService) Prune(ctx context.Context, fromTS, toTS string) (PruneReport, error) {
	var report PruneReport

	n, err := s.tr.DeleteRange(ctx, fromTS, toTS)
	if err != nil {
		return report, fmt.Errorf("Prune: スレッド削除失敗: %w", err)
	}
	report.Threads = n

	n, err = s.vi.DeleteRange(ctx, fromTS, toTS)
	if err != nil {
		return report, fmt.Errorf("Prune: ベクトル削除失敗: %w", err)
	}
	report.Vectors = n

	s.logger.WithFields(logrus.Fields{
		"from":    fromTS,
		"to":      toTS,
		"threads": report.Threads,
		"vectors": report.Vectors,
	}).Info("期間削除しました")
	return report, nil
}

// SuggestCategories は未分類スレッドのサンプルからカテゴリ案を生成します
func (s *IngestService) SuggestCategories(ctx context.Context, sampleSize, n int) ([]string, error) {
	threads, err := s.tr.ListUncategorized(ctx, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("SuggestCategories: サンプル取得失敗: %w", err)
	}
	if len(threads) == 0 {
		return nil, nil
	}

	samples := make([]string, 0, len(threads))
	for _, th := range threads {
		if th.Root.Text != "" {
			samples = append(samples, th.Root.Text)
		}
	}

	suggestions, err := call(ctx, s.policy, "llm.suggest_categories", func(ctx context.Context) ([]string, error) {
		return s.cl.SuggestCategories(ctx, samples, n)
	})
	if err != nil {
		return nil, fmt.Errorf("SuggestCategories: %w", err)
	}
	return suggestions, nil
}
