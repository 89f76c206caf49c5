package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-bot/project/domain"
	"support-bot/project/infrastructure/config"
)

// newEmulatorRepo は FIRESTORE_EMULATOR_HOST が設定されている場合のみリポジトリを返します
func newEmulatorRepo(t *testing.T) *FirestoreRepo {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST が未設定のためスキップ")
	}

	cfg := &config.Config{
		FirestoreProjectID:   "support-bot-test",
		CollectionEscalation: fmt.Sprintf("escalation_%d", time.Now().UnixNano()),
	}
	repo, err := NewFirestoreRepo(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestEscalationDocID(t *testing.T) {
	assert.Equal(t, "scholarships", escalationDocID("scholarships"))
	assert.Equal(t, "a%2Fb", escalationDocID("a/b"))
}

func TestFirestoreRepo_PutReadList(t *testing.T) {
	repo := newEmulatorRepo(t)
	ctx := context.Background()

	entry := domain.NewEscalationEntry([]string{"UA", "UB"})
	require.NoError(t, repo.Put(ctx, "scholarships", entry))

	got, err := repo.Read(ctx, "scholarships")
	require.NoError(t, err)
	assert.True(t, entry.Equal(got))

	schema, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, schema, 1)

	_, err = repo.Read(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrUnknownCategory))

	require.NoError(t, repo.Delete(ctx, "scholarships"))
	require.NoError(t, repo.Delete(ctx, "scholarships"))
	_, err = repo.Read(ctx, "scholarships")
	assert.True(t, errors.Is(err, domain.ErrUnknownCategory))
}

func TestFirestoreRepo_WriteIfUnchanged(t *testing.T) {
	repo := newEmulatorRepo(t)
	ctx := context.Background()

	old := domain.NewEscalationEntry([]string{"UA", "UB"})
	require.NoError(t, repo.Put(ctx, "x", old))

	next, _ := old.Advance()
	require.NoError(t, repo.WriteIfUnchanged(ctx, "x", old, next))

	// 古い値を前提にした2回目の書き込みは競合
	err := repo.WriteIfUnchanged(ctx, "x", old, next)
	assert.True(t, errors.Is(err, domain.ErrConcurrentUpdate))

	err = repo.WriteIfUnchanged(ctx, "missing", old, next)
	assert.True(t, errors.Is(err, domain.ErrUnknownCategory))
}

func TestFirestoreRepo_ConcurrentWritersOnlyOneWins(t *testing.T) {
	repo := newEmulatorRepo(t)
	ctx := context.Background()

	old := domain.NewEscalationEntry([]string{"UA", "UB", "UC"})
	require.NoError(t, repo.Put(ctx, "x", old))
	next, _ := old.Advance()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.WriteIfUnchanged(ctx, "x", old, next); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}
