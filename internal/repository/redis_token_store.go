package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const refreshTokenKeyPrefix = "refresh_token:"

// compareAndSwapScript は保存値がARGV[1]と一致する場合のみARGV[2]に置き換える。
var compareAndSwapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current or current ~= ARGV[1] then
	return 0
end

redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisRefreshTokenStore はRedisを使用したリフレッシュトークンストア。
// キーは refresh_token:{userID}、値はトークン文字列、TTLはトークンの有効期間。
type RedisRefreshTokenStore struct {
	client *redis.Client
}

// NewRedisRefreshTokenStore はRedisRefreshTokenStoreを生成する。
func NewRedisRefreshTokenStore(client *redis.Client) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client}
}

func refreshTokenKey(userID string) string {
	return refreshTokenKeyPrefix + userID
}

// Save はトークンをttl付きで保存する。既存の値は上書きされる。
func (s *RedisRefreshTokenStore) Save(ctx context.Context, userID, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, refreshTokenKey(userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// Find は保存されているトークンを返す。存在しない場合は空文字を返す。
func (s *RedisRefreshTokenStore) Find(ctx context.Context, userID string) (string, error) {
	token, err := s.client.Get(ctx, refreshTokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find refresh token: %w", err)
	}
	return token, nil
}

// Delete はトークンを削除する。存在しない場合も成功する。
func (s *RedisRefreshTokenStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, refreshTokenKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// CompareAndSwap は保存値がoldと一致する場合のみnextに置き換える。
func (s *RedisRefreshTokenStore) CompareAndSwap(ctx context.Context, userID, old, next string, ttl time.Duration) (bool, error) {
	result, err := compareAndSwapScript.Run(ctx, s.client,
		[]string{refreshTokenKey(userID)}, old, next, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to swap refresh token: %w", err)
	}
	return result == 1, nil
}

// compile-time interface check
var _ RefreshTokenStore = (*RedisRefreshTokenStore)(nil)
