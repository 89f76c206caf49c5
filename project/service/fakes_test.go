package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
	"support-bot/project/infrastructure/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		EscalationReaction: "x",
		RetrievalTopK:      3,
		CallTimeout:        time.Second,
		CallMaxRetries:     1,
		CallBaseDelay:      time.Millisecond,
		ClassifyBatchSize:  2,
		IngestWorkers:      2,
	}
}

var testLogger = logging.NewDiscard()

// ===== EscalationRepository =====

type fakeEscalationRepo struct {
	mu      sync.Mutex
	schema  domain.EscalationSchema
	writes  int
	listErr error

	// beforeWrite は WriteIfUnchanged の比較前に呼ばれます（競合の再現用）
	beforeWrite func(schema domain.EscalationSchema)

	// afterRead は Read が値を返す直前に1回だけ呼ばれます（読み取り後の割り込みの再現用）
	afterRead func(schema domain.EscalationSchema)
}

func newFakeEscalationRepo(schema domain.EscalationSchema) *fakeEscalationRepo {
	if schema == nil {
		schema = domain.EscalationSchema{}
	}
	return &fakeEscalationRepo{schema: schema}
}

func (f *fakeEscalationRepo) Read(_ context.Context, category string) (domain.EscalationEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.schema[category]
	if !ok {
		return domain.EscalationEntry{}, domain.ErrUnknownCategory
	}
	out := domain.EscalationEntry{Members: append([]string(nil), e.Members...), LastIndex: e.LastIndex}
	if f.afterRead != nil {
		hook := f.afterRead
		f.afterRead = nil
		hook(f.schema)
	}
	return out, nil
}

func (f *fakeEscalationRepo) WriteIfUnchanged(_ context.Context, category string, old, next domain.EscalationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeWrite != nil {
		hook := f.beforeWrite
		f.beforeWrite = nil
		hook(f.schema)
	}
	cur, ok := f.schema[category]
	if !ok {
		return domain.ErrUnknownCategory
	}
	if !cur.Equal(old) {
		return domain.ErrConcurrentUpdate
	}
	f.schema[category] = next
	f.writes++
	return nil
}

func (f *fakeEscalationRepo) List(_ context.Context) (domain.EscalationSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(domain.EscalationSchema, len(f.schema))
	for k, v := range f.schema {
		out[k] = v
	}
	return out, nil
}

func (f *fakeEscalationRepo) Put(_ context.Context, category string, entry domain.EscalationEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schema[category] = entry
	return nil
}

func (f *fakeEscalationRepo) Delete(_ context.Context, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schema, category)
	return nil
}

func (f *fakeEscalationRepo) entry(category string) domain.EscalationEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schema[category]
}

// ===== BotReplyRepository =====

type fakeReplyRepo struct {
	mu        sync.Mutex
	records   map[string]domain.BotReply
	escalated map[string]bool
	saveErr   error
	claimErr  error
}

func newFakeReplyRepo() *fakeReplyRepo {
	return &fakeReplyRepo{records: make(map[string]domain.BotReply), escalated: make(map[string]bool)}
}

func (f *fakeReplyRepo) ClaimEscalation(_ context.Context, channelID, replyTS string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	key := domain.ReplyKey(channelID, replyTS)
	if f.escalated[key] {
		return false, nil
	}
	f.escalated[key] = true
	return true, nil
}

func (f *fakeReplyRepo) ReleaseEscalation(_ context.Context, channelID, replyTS string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.escalated, domain.ReplyKey(channelID, replyTS))
	return nil
}

func (f *fakeReplyRepo) Save(_ context.Context, r *domain.BotReply) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if err := r.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[domain.ReplyKey(r.ChannelID, r.ReplyTS)] = *r
	return nil
}

func (f *fakeReplyRepo) Find(_ context.Context, channelID, replyTS string) (*domain.BotReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[domain.ReplyKey(channelID, replyTS)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

// ===== SlackPort =====

type postedMessage struct {
	ChannelID string
	ThreadTS  string
	Text      string
}

type fakeSlack struct {
	mu      sync.Mutex
	posts   []postedMessage
	postErr error
	users   map[string]string
	seq     int
	dms     []string
	dmErr   error
}

func (f *fakeSlack) PostThreadMessage(_ context.Context, channelID, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.seq++
	f.posts = append(f.posts, postedMessage{ChannelID: channelID, ThreadTS: threadTS, Text: text})
	return fmt.Sprintf("900.%d", f.seq), nil
}

func (f *fakeSlack) PostDM(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, userID)
	return nil
}

func (f *fakeSlack) ResolveUserID(_ context.Context, ref string) (string, error) {
	if id, ok := f.users[ref]; ok {
		return id, nil
	}
	return "", fmt.Errorf("unknown user %s", ref)
}

func (f *fakeSlack) messages() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedMessage(nil), f.posts...)
}

// ===== TaskPort =====

type fakeTasks struct {
	payloads []*AnswerTaskPayload
	err      error
}

func (f *fakeTasks) EnqueueAnswer(_ context.Context, _ int64, p *AnswerTaskPayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

// ===== Classifier / Embedder / VectorIndex / Generator =====

type fakeClassifier struct {
	question    bool
	questionErr error
	label       string
	classifyErr error
	batch       func(texts []string) []string
	batchErr    error
	batchCalls  int
	suggestions []string
}

func (f *fakeClassifier) Classify(context.Context, string, []string) (string, error) {
	return f.label, f.classifyErr
}

func (f *fakeClassifier) ClassifyBatch(_ context.Context, texts []string, _ []string) ([]string, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.batch(texts), nil
}

func (f *fakeClassifier) IsQuestion(context.Context, string) (bool, error) {
	return f.question, f.questionErr
}

func (f *fakeClassifier) SuggestCategories(_ context.Context, _ []string, n int) ([]string, error) {
	if n < len(f.suggestions) {
		return f.suggestions[:n], nil
	}
	return f.suggestions, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeVectors struct {
	mu       sync.Mutex
	docs     map[string]VectorDocument
	results  []RetrievedDocument
	queryErr error
	lastK    int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{docs: make(map[string]VectorDocument)}
}

func (f *fakeVectors) Upsert(_ context.Context, docs []VectorDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return nil
}

func (f *fakeVectors) Query(_ context.Context, _ []float32, k int) ([]RetrievedDocument, error) {
	f.lastK = k
	return f.results, f.queryErr
}

func (f *fakeVectors) DeleteRange(_ context.Context, fromTS, toTS string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, d := range f.docs {
		if d.RootTS >= fromTS && d.RootTS <= toTS {
			delete(f.docs, id)
			n++
		}
	}
	return n, nil
}

type fakeGenerator struct {
	text   string
	err    error
	prompt string
}

func (f *fakeGenerator) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.text, f.err
}

// ===== ThreadRepository =====

type fakeThreads struct {
	mu         sync.Mutex
	threads    map[string]domain.Thread
	replaceErr map[string]error
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{threads: make(map[string]domain.Thread), replaceErr: make(map[string]error)}
}

func (f *fakeThreads) ReplaceChannel(_ context.Context, channel string, threads []domain.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.replaceErr[channel]; err != nil {
		return err
	}
	seen := make(map[string]bool, len(threads))
	for _, th := range threads {
		if seen[th.RootTimestamp] {
			return domain.ErrInvalid
		}
		seen[th.RootTimestamp] = true
	}
	kept := make(map[string]string)
	for k, th := range f.threads {
		if th.Channel == channel {
			kept[th.RootTimestamp] = th.Category
			delete(f.threads, k)
		}
	}
	for _, th := range threads {
		if th.Category == "" {
			th.Category = kept[th.RootTimestamp]
		}
		f.threads[th.Key()] = th
	}
	return nil
}

func (f *fakeThreads) sorted(filter func(domain.Thread) bool) []domain.Thread {
	var out []domain.Thread
	for _, th := range f.threads {
		if filter(th) {
			out = append(out, th)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (f *fakeThreads) ListUncategorized(_ context.Context, limit int) ([]domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sorted(func(th domain.Thread) bool { return th.Category == "" })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeThreads) ListForEmbedding(_ context.Context, channel string) ([]domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(func(th domain.Thread) bool {
		return th.Category != "" && (channel == "" || th.Channel == channel)
	}), nil
}

func (f *fakeThreads) SetCategory(_ context.Context, channel, rootTS, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.ThreadKey(channel, rootTS)
	th, ok := f.threads[key]
	if !ok {
		return domain.ErrNotFound
	}
	th.Category = category
	f.threads[key] = th
	return nil
}

func (f *fakeThreads) DeleteRange(_ context.Context, fromTS, toTS string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, th := range f.threads {
		if th.RootTimestamp >= fromTS && th.RootTimestamp <= toTS {
			delete(f.threads, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeThreads) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads)
}

var errBoom = errors.New("boom")
