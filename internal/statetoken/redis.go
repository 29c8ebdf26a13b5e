package statetoken

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "accountlink:state:"

// validateScript はダイジェストの照合とpendingからの遷移を1回のスクリプト実行で行う。
var validateScript = redis.NewScript(`
local d = redis.call('HGET', KEYS[1], 'digest')
if not d then
  return 'mismatch'
end
local st = redis.call('HGET', KEYS[1], 'status')
if d ~= ARGV[1] then
  if st == 'pending' then
    redis.call('DEL', KEYS[1])
  end
  return 'mismatch'
end
if st == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'in_progress')
  return 'valid'
end
return st
`)

var markProcessedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'digest') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', 'processed')
end
return 1
`)

var clearScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'pending' then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisStore はRedisにトークンを保持するStore。複数インスタンス構成向け。
// 有効期限はキーのTTLで管理する。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore はRedisStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient はREDIS_URLからクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(owner string, purpose Purpose) string {
	return redisKeyPrefix + string(purpose) + ":" + owner
}

// Issue は新しいトークンを発行する。
func (s *RedisStore) Issue(ctx context.Context, owner string, purpose Purpose) (*Token, error) {
	if err := checkKey(owner, purpose); err != nil {
		return nil, err
	}
	value, sum, err := newValue()
	if err != nil {
		return nil, err
	}

	key := s.key(owner, purpose)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "digest", hex.EncodeToString(sum[:]), "status", string(StatusPending))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store state token: %w", err)
	}

	return &Token{Purpose: purpose, Value: value, Status: StatusPending, ExpiresAt: time.Now().Add(s.ttl)}, nil
}

// Validate はcandidateを照合する。
func (s *RedisStore) Validate(ctx context.Context, owner string, purpose Purpose, candidate string) (Result, error) {
	if checkKey(owner, purpose) != nil || candidate == "" {
		return Mismatch, nil
	}

	sum := digest(candidate)
	res, err := validateScript.Run(ctx, s.client, []string{s.key(owner, purpose)}, hex.EncodeToString(sum[:])).Text()
	if err != nil {
		return Mismatch, fmt.Errorf("failed to validate state token: %w", err)
	}

	switch res {
	case "valid":
		return Valid, nil
	case string(StatusInProgress):
		return InProgress, nil
	case string(StatusProcessed):
		return AlreadyProcessed, nil
	default:
		return Mismatch, nil
	}
}

// MarkProcessed はトークンをprocessedにする。キーのTTLは維持される。
func (s *RedisStore) MarkProcessed(ctx context.Context, owner string, purpose Purpose, value string) error {
	if err := checkKey(owner, purpose); err != nil {
		return err
	}
	sum := digest(value)
	if err := markProcessedScript.Run(ctx, s.client, []string{s.key(owner, purpose)}, hex.EncodeToString(sum[:])).Err(); err != nil {
		return fmt.Errorf("failed to mark state token processed: %w", err)
	}
	return nil
}

// Clear はpendingのトークンを削除する。
func (s *RedisStore) Clear(ctx context.Context, owner string, purpose Purpose) error {
	if err := checkKey(owner, purpose); err != nil {
		return err
	}
	if err := clearScript.Run(ctx, s.client, []string{s.key(owner, purpose)}).Err(); err != nil {
		return fmt.Errorf("failed to clear state token: %w", err)
	}
	return nil
}

// PurgeExpired はRedisのキー期限切れに任せるため何もしない。
func (s *RedisStore) PurgeExpired(_ context.Context) (int, error) {
	return 0, nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
