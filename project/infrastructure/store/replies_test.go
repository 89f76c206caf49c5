package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-bot/project/domain"
)

func newTestReplyStore(t *testing.T, ttl time.Duration) (*ReplyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewReplyStore(rdb, ttl), mr
}

func TestReplyStore_SaveFind(t *testing.T) {
	s, mr := newTestReplyStore(t, time.Hour)
	ctx := context.Background()

	r := &domain.BotReply{ChannelID: "C1", ReplyTS: "200.1", ThreadTS: "100.1", Category: "scholarships"}
	require.NoError(t, s.Save(ctx, r))

	got, err := s.Find(ctx, "C1", "200.1")
	require.NoError(t, err)
	assert.Equal(t, r, got)

	assert.True(t, mr.Exists("support-bot:reply:C1:200.1"))
	assert.Equal(t, time.Hour, mr.TTL("support-bot:reply:C1:200.1"))
}

func TestReplyStore_Expires(t *testing.T) {
	s, mr := newTestReplyStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &domain.BotReply{ChannelID: "C1", ReplyTS: "1", Category: "x"}))
	mr.FastForward(2 * time.Minute)

	_, err := s.Find(ctx, "C1", "1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestReplyStore_NotFound(t *testing.T) {
	s, _ := newTestReplyStore(t, 0)

	_, err := s.Find(context.Background(), "C1", "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestReplyStore_SaveInvalid(t *testing.T) {
	s, _ := newTestReplyStore(t, 0)

	err := s.Save(context.Background(), &domain.BotReply{ChannelID: "C1"})
	assert.True(t, errors.Is(err, domain.ErrInvalid))
}

func TestReplyStore_ClaimEscalationOnce(t *testing.T) {
	s, mr := newTestReplyStore(t, time.Hour)
	ctx := context.Background()

	ok, err := s.ClaimEscalation(ctx, "C1", "200.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimEscalation(ctx, "C1", "200.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimEscalation(ctx, "C1", "300.1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, time.Hour, mr.TTL("support-bot:escalated:C1:200.1"))
}

func TestReplyStore_ReleaseEscalation(t *testing.T) {
	s, mr := newTestReplyStore(t, time.Hour)
	ctx := context.Background()

	_, err := s.ClaimEscalation(ctx, "C1", "200.1")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseEscalation(ctx, "C1", "200.1"))
	assert.False(t, mr.Exists("support-bot:escalated:C1:200.1"))

	ok, err := s.ClaimEscalation(ctx, "C1", "200.1")
	require.NoError(t, err)
	assert.True(t, ok)
}
