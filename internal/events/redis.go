package events

import (
	"context"
	"errors"
	"fmt"

	xerrors "Relay-Faucet/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	List     string `json:"list"`
	MaxLen   int64  `json:"max_len"`
}

// RedisPublisher 使用 Redis list 保存事件，消费者可通过 BRPOP 读取。
type RedisPublisher struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 发布器并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
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
	return NewRedisPublisherWithClient(client, cfg.List, cfg.MaxLen), nil
}

// NewRedisPublisherWithClient 基于已有客户端创建发布器。
func NewRedisPublisherWithClient(client *redis.Client, list string, maxLen int64) *RedisPublisher {
	if list == "" {
		list = "relayd:settlements"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{client: client, list: list, maxLen: maxLen}
}

// Publish 将事件 LPUSH 到列表头部，并裁剪到 maxLen。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码事件失败", xerrors.WithRetryable(false))
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, p.list, payload)
		pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
