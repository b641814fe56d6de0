package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"AgentFi-Mesh/internal/protocol"
)

// RabbitMQConfig 描述 RabbitMQ 总线的连接参数。
type RabbitMQConfig struct {
	URL        string
	Prefix     string
	Durable    bool
	AutoDelete bool
}

// RabbitMQBus 为每个地址声明一个队列作为信箱。
type RabbitMQBus struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	prefix     string
	durable    bool
	autoDelete bool

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQBus 创建 RabbitMQ 总线实例。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentfi.mailbox."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	return &RabbitMQBus{
		conn:       conn,
		ch:         ch,
		prefix:     prefix,
		durable:    cfg.Durable,
		autoDelete: cfg.AutoDelete,
		declared:   make(map[string]bool),
	}, nil
}

func (b *RabbitMQBus) queue(addr string) (string, error) {
	name := b.prefix + addr
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[name] {
		return name, nil
	}
	if _, err := b.ch.QueueDeclare(name, b.durable, b.autoDelete, false, false, nil); err != nil {
		return "", fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	b.declared[name] = true
	return name, nil
}

// Send 将信封投递到目标信箱队列。
func (b *RabbitMQBus) Send(ctx context.Context, to string, env protocol.Envelope) error {
	if b == nil || b.ch == nil {
		return errors.New("RabbitMQ 总线未初始化")
	}
	queue, err := b.queue(to)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化信封失败: %w", err)
	}
	return b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        raw,
	})
}

// Receive 在 wait 时间内轮询信箱队列。
func (b *RabbitMQBus) Receive(ctx context.Context, addr string, wait time.Duration) (protocol.Envelope, bool, error) {
	if b == nil || b.ch == nil {
		return protocol.Envelope{}, false, errors.New("RabbitMQ 总线未初始化")
	}
	queue, err := b.queue(addr)
	if err != nil {
		return protocol.Envelope{}, false, err
	}
	if wait <= 0 {
		wait = time.Second
	}
	deadline := time.Now().Add(wait)
	for {
		select {
		case <-ctx.Done():
			return protocol.Envelope{}, false, ctx.Err()
		default:
		}
		msg, ok, err := b.ch.Get(queue, true)
		if err != nil {
			return protocol.Envelope{}, false, fmt.Errorf("读取 RabbitMQ 队列失败: %w", err)
		}
		if ok {
			var env protocol.Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				// 无法解析的消息直接丢弃。
				return protocol.Envelope{}, false, nil
			}
			return env, true, nil
		}
		if time.Now().After(deadline) {
			return protocol.Envelope{}, false, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bus = (*RabbitMQBus)(nil)
