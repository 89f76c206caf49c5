package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// isNotFound は Firestore の NotFound エラーを判定するヘルパー関数です
func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}

// FirestoreRepo は domain.EscalationRepository の Firestore 実装です
// 1カテゴリ = 1ドキュメントで保存します
type FirestoreRepo struct {
	cli           *firestore.Client
	escalationCol string
}

// escalationDoc は Firestore 上のエスカレーション表の1行
type escalationDoc struct {
	Category  string    `firestore:"category"`
	Members   []string  `firestore:"members"`
	LastIndex int       `firestore:"last_index"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (d escalationDoc) entry() domain.EscalationEntry {
	return domain.EscalationEntry{Members: d.Members, LastIndex: d.LastIndex}
}

func newEscalationDoc(category string, e domain.EscalationEntry) escalationDoc {
	return escalationDoc{
		Category:  category,
		Members:   e.Members,
		LastIndex: e.LastIndex,
		UpdatedAt: time.Now().UTC(),
	}
}

// NewFirestoreRepo は Firestore リポジトリを初期化します
func NewFirestoreRepo(ctx context.Context, cfg *config.Config) (*FirestoreRepo, error) {
	client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
	if err != nil {
		return nil, fmt.Errorf("firestore: クライアント初期化失敗: %w", err)
	}

	return &FirestoreRepo{
		cli:           client,
		escalationCol: cfg.CollectionEscalation,
	}, nil
}

// ===== EscalationRepository 実装 =====

// Read は指定カテゴリのローテーションを取得します
func (repo *FirestoreRepo) Read(ctx context.Context, category string) (domain.EscalationEntry, error) {
	docID := escalationDocID(category)

	snapshot, err := repo.doc(category).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return domain.EscalationEntry{}, fmt.Errorf("%w: %s", domain.ErrUnknownCategory, category)
		}
		return domain.EscalationEntry{}, fmt.Errorf("firestore: エスカレーション取得失敗 (docID=%s): %w", docID, err)
	}

	var d escalationDoc
	if err := snapshot.DataTo(&d); err != nil {
		return domain.EscalationEntry{}, fmt.Errorf("firestore: エスカレーション構造体変換失敗 (docID=%s): %w", docID, err)
	}
	return d.entry(), nil
}

// WriteIfUnchanged は保存値が old と一致する場合のみ next を書き込みます
// 読み取りと書き込みは1トランザクション内で行います
func (repo *FirestoreRepo) WriteIfUnchanged(ctx context.Context, category string, old, next domain.EscalationEntry) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("firestore: WriteIfUnchanged検証失敗: %w", err)
	}
	docID := escalationDocID(category)
	docRef := repo.doc(category)

	err := repo.cli.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(docRef)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", domain.ErrUnknownCategory, category)
			}
			return err
		}

		var current escalationDoc
		if err := snapshot.DataTo(&current); err != nil {
			return err
		}
		if !current.entry().Equal(old) {
			return domain.ErrConcurrentUpdate
		}

		return tx.Set(docRef, newEscalationDoc(category, next))
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) || errors.Is(err, domain.ErrUnknownCategory) {
			return err
		}
		return fmt.Errorf("firestore: エスカレーション更新失敗 (docID=%s): %w", docID, err)
	}

	return nil
}

// List はエスカレーション表全体を取得します
func (repo *FirestoreRepo) List(ctx context.Context) (domain.EscalationSchema, error) {
	iter := repo.cli.Collection(repo.escalationCol).Documents(ctx)
	defer iter.Stop()

	schema := make(domain.EscalationSchema)
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: エスカレーション一覧取得失敗: %w", err)
		}

		var d escalationDoc
		if err := snapshot.DataTo(&d); err != nil {
			return nil, fmt.Errorf("firestore: エスカレーション構造体変換失敗 (docID=%s): %w", snapshot.Ref.ID, err)
		}
		if d.Category == "" {
			continue
		}
		schema[d.Category] = d.entry()
	}

	return schema, nil
}

// Put は指定カテゴリのローテーションを上書き保存します
func (repo *FirestoreRepo) Put(ctx context.Context, category string, entry domain.EscalationEntry) error {
	if category == "" {
		return fmt.Errorf("firestore: Put検証失敗: %w", domain.ErrInvalid)
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("firestore: Put検証失敗: %w", err)
	}

	if _, err := repo.doc(category).Set(ctx, newEscalationDoc(category, entry)); err != nil {
		return fmt.Errorf("firestore: エスカレーション保存失敗 (docID=%s): %w", escalationDocID(category), err)
	}
	return nil
}

// Delete は指定カテゴリを削除します（存在しない場合も成功）
func (repo *FirestoreRepo) Delete(ctx context.Context, category string) error {
	if _, err := repo.doc(category).Delete(ctx); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("firestore: エスカレーション削除失敗 (docID=%s): %w", escalationDocID(category), err)
	}
	return nil
}

// Close は Firestore クライアントを閉じます
func (repo *FirestoreRepo) Close() error {
	if repo.cli != nil {
		return repo.cli.Close()
	}
	return nil
}

// ===== ヘルパー関数 =====

func (repo *FirestoreRepo) doc(category string) *firestore.DocumentRef {
	return repo.cli.Collection(repo.escalationCol).Doc(escalationDocID(category))
}

// escalationDocID はカテゴリ名からドキュメントIDを生成します
// カテゴリ名に "/" が含まれてもよいようにエスケープします
func escalationDocID(category string) string {
	return url.PathEscape(category)
}
