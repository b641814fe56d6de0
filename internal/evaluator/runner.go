package evaluator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentFi-Mesh/internal/bus"
	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/pkg/logger"
)

// HandleFunc 处理一个入站信封并返回应答信封。
// 返回的信封由 Runner 补齐 sender 与关联标识后送回请求方。
type HandleFunc func(ctx context.Context, env protocol.Envelope) protocol.Envelope

// Runner 在指定地址的信箱上启动消费循环，把每条消息交给处理函数，
// 并保证每条入站消息恰好产生一条应答。
type Runner struct {
	bus       bus.Bus
	addr      string
	handle    HandleFunc
	workers   int
	blockWait time.Duration
	logger    *slog.Logger
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithWorkers 设置消费协程数量。
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBlockWait 设置单次空轮询的阻塞时长。
func WithBlockWait(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.blockWait = d
		}
	}
}

// NewRunner 构造消费循环。
func NewRunner(b bus.Bus, addr string, handle HandleFunc, opts ...RunnerOption) *Runner {
	r := &Runner{
		bus:       b,
		addr:      addr,
		handle:    handle,
		workers:   1,
		blockWait: time.Second,
		logger:    logger.Named(addr),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动消费循环，直到上下文取消。
func (r *Runner) Start(ctx context.Context) error {
	if r.bus == nil || r.handle == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "消费循环未初始化")
	}
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				env, ok, err := r.bus.Receive(ctx, r.addr, r.blockWait)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Error("读取信箱失败", slog.Any("error", err))
					continue
				}
				if !ok {
					continue
				}
				r.dispatch(ctx, env)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) dispatch(ctx context.Context, env protocol.Envelope) {
	reply := r.handle(ctx, env)
	reply.Sender = r.addr
	if reply.CorrID == "" {
		reply.CorrID = env.CorrID
	}
	if env.Sender == "" {
		r.logger.Warn("入站消息缺少 sender，应答被丢弃", slog.String("type", string(env.Type)))
		return
	}
	if err := r.bus.Send(ctx, env.Sender, reply); err != nil {
		r.logger.Error("发送应答失败",
			slog.Any("error", err),
			slog.String("to", env.Sender),
			slog.String("type", string(reply.Type)),
		)
	}
}
