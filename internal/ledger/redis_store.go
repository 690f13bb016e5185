package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	xerrors "Relay-Faucet/internal/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldBalance = "balance"
	fieldMinings = "minings"

	maxTxRetries = 16
)

// 仅当锁仍由自己持有时才删除。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStoreConfig 描述 Redis 账本的连接参数。
type RedisStoreConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RedisStore 使用 Redis hash 保存账本，余额以十进制 wei 字符串存储，
// 多个中继实例可以共享同一账本。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 账本并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient 基于已有客户端创建账本。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relayd:ledger:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close 关闭底层连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(addr string) string {
	return s.prefix + addr
}

func (s *RedisStore) lockKey(addr string) string {
	return s.prefix + "lock:" + addr
}

// Add 实现 Store 接口。
func (s *RedisStore) Add(ctx context.Context, addr string, amount *big.Int, minings int64) error {
	return s.update(ctx, addr, func(balance *big.Int) (*big.Int, error) {
		return balance.Add(balance, amount), nil
	}, minings)
}

// Deduct 实现 Store 接口。
func (s *RedisStore) Deduct(ctx context.Context, addr string, amount *big.Int) error {
	return s.update(ctx, addr, func(balance *big.Int) (*big.Int, error) {
		if balance.Cmp(amount) < 0 {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "余额不足以扣减",
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("address", addr))
		}
		return balance.Sub(balance, amount), nil
	}, 0)
}

// update 在 WATCH/MULTI 乐观事务中读改写余额，冲突时重试。
func (s *RedisStore) update(ctx context.Context, addr string, apply func(balance *big.Int) (*big.Int, error), minings int64) error {
	key := s.key(addr)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, fieldBalance).Result()
		if err != nil && !stdErrors.Is(err, redis.Nil) {
			return err
		}
		balance, err := parseWei(raw)
		if err != nil {
			return err
		}
		next, err := apply(balance)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldBalance, next.String())
			if minings != 0 {
				pipe.HIncrBy(ctx, key, fieldMinings, minings)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, coded := xerrors.From(err); coded {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 账本失败",
			xerrors.WithMetadata("address", addr))
	}
	return xerrors.New(xerrors.CodeStorageFailure, "Redis 账本写冲突次数过多",
		xerrors.WithMetadata("address", addr))
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, addr string) (Entry, error) {
	values, err := s.client.HGetAll(ctx, s.key(addr)).Result()
	if err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 账本失败",
			xerrors.WithMetadata("address", addr))
	}
	balance, err := parseWei(values[fieldBalance])
	if err != nil {
		return Entry{}, err
	}
	var minings int64
	if raw := values[fieldMinings]; raw != "" {
		minings, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "挖矿次数格式错误",
				xerrors.WithRetryable(false))
		}
	}
	return Entry{Balance: balance, Minings: minings}, nil
}

// Lock 实现 Locker 接口，使用 SET NX PX 获取带过期时间的提现锁。
func (s *RedisStore) Lock(ctx context.Context, addr string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := s.lockKey(addr)
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取提现锁失败",
			xerrors.WithMetadata("address", addr))
	}
	if !ok {
		return nil, ErrWithdrawalInProgress
	}
	return func() {
		_ = unlockScript.Run(context.Background(), s.client, []string{key}, token).Err()
	}, nil
}

func parseWei(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "账本余额格式错误",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("value", raw))
	}
	return v, nil
}
