package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"support-bot/project/domain"
)

const (
	replyKeyPrefix     = "support-bot:reply:"
	escalatedKeyPrefix = "support-bot:escalated:"
)

// ReplyStore は domain.BotReplyRepository の Redis 実装です
// 記録は ttl 経過後に自動で消えます（0 の場合は無期限）
type ReplyStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisClient は Redis クライアントを作成します
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewReplyStore はボット返信ストアを作成します
func NewReplyStore(rdb redis.Cmdable, ttl time.Duration) *ReplyStore {
	return &ReplyStore{rdb: rdb, ttl: ttl}
}

// Save はボット返信を保存します
func (s *ReplyStore) Save(ctx context.Context, r *domain.BotReply) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("redis: Save検証失敗: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: ボット返信JSON化失敗: %w", err)
	}

	key := replyRedisKey(r.ChannelID, r.ReplyTS)
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: ボット返信保存失敗 (key=%s): %w", key, err)
	}
	return nil
}

// Find は返信キーからボット返信を取得します
func (s *ReplyStore) Find(ctx context.Context, channelID, replyTS string) (*domain.BotReply, error) {
	key := replyRedisKey(channelID, replyTS)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: ボット返信取得失敗 (key=%s): %w", key, err)
	}

	var r domain.BotReply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: ボット返信変換失敗 (key=%s): %w", key, err)
	}
	return &r, nil
}

// ClaimEscalation は SETNX でエスカレーション済みの印を付けます
// 印は返信記録と同じ ttl で消えます
func (s *ReplyStore) ClaimEscalation(ctx context.Context, channelID, replyTS string) (bool, error) {
	key := escalatedKeyPrefix + domain.ReplyKey(channelID, replyTS)
	ok, err := s.rdb.SetNX(ctx, key, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: エスカレーション記録失敗 (key=%s): %w", key, err)
	}
	return ok, nil
}

// ReleaseEscalation はエスカレーション済みの印を外します
func (s *ReplyStore) ReleaseEscalation(ctx context.Context, channelID, replyTS string) error {
	key := escalatedKeyPrefix + domain.ReplyKey(channelID, replyTS)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: エスカレーション記録解除失敗 (key=%s): %w", key, err)
	}
	return nil
}

// replyRedisKey は Redis 上のキーを生成します
// 形式: "support-bot:reply:channel:ts"
func replyRedisKey(channelID, replyTS string) string {
	return replyKeyPrefix + domain.ReplyKey(channelID, replyTS)
}
