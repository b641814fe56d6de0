package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentFi-Mesh/internal/protocol"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisBus 使用 Redis list 为每个地址维护一个信箱。
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus 创建 Redis 总线实例。
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentfi:mailbox:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBus{client: client, prefix: prefix}, nil
}

func (b *RedisBus) key(addr string) string {
	return b.prefix + addr
}

// Send 将信封序列化后投递到目标信箱。
func (b *RedisBus) Send(ctx context.Context, to string, env protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化信封失败: %w", err)
	}
	if err := b.client.LPush(ctx, b.key(to), raw).Err(); err != nil {
		return fmt.Errorf("Redis 投递消息失败: %w", err)
	}
	return nil
}

// Receive 通过 BRPOP 等待信箱中的下一条消息。
func (b *RedisBus) Receive(ctx context.Context, addr string, wait time.Duration) (protocol.Envelope, bool, error) {
	if wait <= 0 {
		wait = time.Second
	}
	values, err := b.client.BRPop(ctx, wait, b.key(addr)).Result()
	if err != nil {
		if err == redis.Nil {
			return protocol.Envelope{}, false, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return protocol.Envelope{}, false, err
		}
		return protocol.Envelope{}, false, fmt.Errorf("Redis 取消息失败: %w", err)
	}
	if len(values) != 2 {
		return protocol.Envelope{}, false, nil
	}
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(values[1]), &env); err != nil {
		// 无法解析的消息直接丢弃，不阻塞后续消费。
		return protocol.Envelope{}, false, nil
	}
	return env, true, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
