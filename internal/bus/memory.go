package bus

import (
	"context"
	"sync"
	"time"

	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/protocol"
)

// MemoryBus 使用 channel 模拟消息总线，主要用于测试与单进程部署。
type MemoryBus struct {
	mu        sync.Mutex
	mailboxes map[string]chan protocol.Envelope
	size      int
	closed    bool
}

// NewMemoryBus 创建一个内存总线，size 为每个信箱的缓冲大小。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{
		mailboxes: make(map[string]chan protocol.Envelope),
		size:      size,
	}
}

func (b *MemoryBus) mailbox(addr string) (chan protocol.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, xerrors.New(xerrors.CodeBusFailure, "总线已关闭")
	}
	ch, ok := b.mailboxes[addr]
	if !ok {
		ch = make(chan protocol.Envelope, b.size)
		b.mailboxes[addr] = ch
	}
	return ch, nil
}

// Send 将信封投递到目标信箱。信箱已满时丢弃消息，符合不保证送达的语义。
// 投递在锁内完成，保证不会写入已被 Close 关闭的信箱。
func (b *MemoryBus) Send(ctx context.Context, to string, env protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return xerrors.New(xerrors.CodeBusFailure, "总线已关闭")
	}
	ch, ok := b.mailboxes[to]
	if !ok {
		ch = make(chan protocol.Envelope, b.size)
		b.mailboxes[to] = ch
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- env:
		return nil
	default:
		return nil
	}
}

// Receive 等待信箱中的下一条消息。
func (b *MemoryBus) Receive(ctx context.Context, addr string, wait time.Duration) (protocol.Envelope, bool, error) {
	ch, err := b.mailbox(addr)
	if err != nil {
		return protocol.Envelope{}, false, err
	}
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return protocol.Envelope{}, false, ctx.Err()
	case <-timer.C:
		return protocol.Envelope{}, false, nil
	case env, open := <-ch:
		if !open {
			return protocol.Envelope{}, false, xerrors.New(xerrors.CodeBusFailure, "信箱已关闭")
		}
		return env, true, nil
	}
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.mailboxes {
		close(ch)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
