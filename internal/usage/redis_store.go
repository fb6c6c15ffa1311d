package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "CogniVerve/internal/errors"
)

// 计量桶在周期结束后保留一段时间供账单查询，之后自动过期。
const counterRetention = 100 * 24 * time.Hour

// reserveScript 原子地完成"检查加累加"。limit 为 -1 时不检查上限。
// 返回累加后的计数；超限时返回 -1 且计数保持不变。
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local amount = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if limit >= 0 and current + amount > limit then
    return -1
end
local updated = redis.call('HINCRBY', KEYS[1], ARGV[1], amount)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return updated
`)

// RedisStore 使用 Redis 哈希保存用量计数，多实例部署时共享同一份配额。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 RedisStore 并验证连通性。
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis 客户端不能为空")
	}
	if prefix == "" {
		prefix = "usage"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "redis 连接检查失败")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(ownerID, period string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, ownerID, period)
}

// Reserve 实现 Store 接口。
func (s *RedisStore) Reserve(ctx context.Context, ownerID, period string, resource Resource, amount, limit int64) (int64, error) {
	if amount < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "预留数量不能为负")
	}
	result, err := reserveScript.Run(ctx, s.client,
		[]string{s.key(ownerID, period)},
		string(resource), amount, limit, int64(counterRetention.Seconds()),
	).Int64()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行配额脚本失败")
	}
	if result < 0 {
		return 0, xerrors.New(CodeQuotaExceeded,
			fmt.Sprintf("资源 %s 超出配额: 申请 %d, 上限 %d", resource, amount, limit))
	}
	return result, nil
}

// Record 实现 Store 接口。
func (s *RedisStore) Record(ctx context.Context, ownerID, period string, resource Resource, amount int64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "计量数量不能为负")
	}
	key := s.key(ownerID, period)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, string(resource), amount)
	pipe.Expire(ctx, key, counterRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加用量失败")
	}
	return nil
}

// Used 实现 Store 接口。
func (s *RedisStore) Used(ctx context.Context, ownerID, period string) (map[Resource]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.key(ownerID, period)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用量失败")
	}
	result := make(map[Resource]int64, len(raw))
	for field, value := range raw {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用量计数失败")
		}
		result[Resource(field)] = count
	}
	return result, nil
}

// Close 释放 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
