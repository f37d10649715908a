package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	MaxLen   int64  `yaml:"max_len"`
}

// RedisPublisher 将事件以 JSON 形式 LPUSH 到 Redis list。
type RedisPublisher struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisPublisher 创建 Redis Publisher 并检查连通性。
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "council:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisPublisher{client: client, key: key, maxLen: cfg.MaxLen}, nil
}

// Publish 投递事件，配置了 MaxLen 时裁剪列表长度。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.key, body)
	if p.maxLen > 0 {
		pipe.LTrim(ctx, p.key, 0, p.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 投递事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
