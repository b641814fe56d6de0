package collector

import (
	"context"
	"time"

	"AgentFi-Mesh/internal/bus"
	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/protocol"
)

// ErrNoReply 表示在预算内没有等到匹配的应答。
var ErrNoReply = xerrors.New(xerrors.CodeEvaluatorTimeout, "")

// Matcher 判断一个信封是否为当前等待的应答。
type Matcher func(protocol.Envelope) bool

// MatchReply 匹配指定标签的应答。corrID 非空时还要求关联标识一致；
// 携带相同关联标识的错误信封同样视为应答，由调用方区分成功与失败。
func MatchReply(t protocol.MessageType, corrID string) Matcher {
	return func(env protocol.Envelope) bool {
		if corrID != "" && env.CorrID != corrID {
			return false
		}
		if env.IsError() {
			return corrID != "" && env.CorrID == corrID
		}
		return env.Type == t
	}
}

// MatchAnyReply 匹配多个候选标签之一，语义同 MatchReply。
func MatchAnyReply(corrID string, types ...protocol.MessageType) Matcher {
	return func(env protocol.Envelope) bool {
		if corrID != "" && env.CorrID != corrID {
			return false
		}
		if env.IsError() {
			return corrID != "" && env.CorrID == corrID
		}
		for _, t := range types {
			if env.Type == t {
				return true
			}
		}
		return false
	}
}

const (
	defaultAttempts    = 5
	defaultAttemptWait = time.Second

	// requeueBudget 限制一个信封被让渡的总次数。预算耗尽说明
	// 信箱上没有等待者认领它（典型场景是超时交换的迟到应答），
	// 直接丢弃，避免杂音永久占据信箱容量。
	requeueBudget = 8
)

// Collector 在一个共享信箱上做有界等待：最多 attempts 次尝试，
// 每次尝试带独立的子超时；不匹配的消息重新投回信箱留给其他等待者，
// 让渡次数超过预算的信封按无人认领处理丢弃。
// 这样即使总线先送达低优先级的杂音，总等待时长也有上界。
type Collector struct {
	bus         bus.Bus
	addr        string
	attempts    int
	attemptWait time.Duration
}

// Option 定义 Collector 的可选配置。
type Option func(*Collector)

// WithAttempts 设置最大尝试次数。
func WithAttempts(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithAttemptWait 设置单次尝试的子超时。
func WithAttemptWait(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.attemptWait = d
		}
	}
}

// New 创建一个绑定到指定应答信箱的 Collector。
func New(b bus.Bus, addr string, opts ...Option) *Collector {
	c := &Collector{
		bus:         b,
		addr:        addr,
		attempts:    defaultAttempts,
		attemptWait: defaultAttemptWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Addr 返回应答信箱地址，发出请求时作为 sender 填入信封。
func (c *Collector) Addr() string {
	return c.addr
}

// Await 阻塞等待匹配的应答。超时返回 ErrNoReply，总线故障原样返回；
// 调用方通过返回信封的 Error 字段区分成功应答与错误应答。
func (c *Collector) Await(ctx context.Context, match Matcher) (protocol.Envelope, error) {
	if c.bus == nil {
		return protocol.Envelope{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置消息总线")
	}
	for attempt := 0; attempt < c.attempts; attempt++ {
		env, ok, err := c.bus.Receive(ctx, c.addr, c.attemptWait)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if !ok {
			continue
		}
		if match(env) {
			return env, nil
		}
		// 不属于本次等待的消息重新投回，留给同一信箱上的其他等待者；
		// 让渡预算耗尽的信封视为迟到的杂音，丢弃而不再投回。
		if env.Requeued >= requeueBudget {
			continue
		}
		env.Requeued++
		if err := c.bus.Send(ctx, c.addr, env); err != nil {
			return protocol.Envelope{}, err
		}
	}
	return protocol.Envelope{}, ErrNoReply
}
