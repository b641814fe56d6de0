package bus

import (
	"context"
	"time"

	"AgentFi-Mesh/internal/protocol"
)

// Bus 抽象了按地址投递的异步消息总线。
// 投递语义为至少尝试一次、不保证送达；超时后到达的消息不会被任何等待者匹配。
type Bus interface {
	// Send 将信封投递到目标地址的信箱。
	Send(ctx context.Context, to string, env protocol.Envelope) error
	// Receive 阻塞等待指定信箱的下一条消息，等待 wait 后仍无消息时返回 ok=false。
	// 返回 error 仅表示总线本身的故障，而非空信箱。
	Receive(ctx context.Context, addr string, wait time.Duration) (env protocol.Envelope, ok bool, err error)
	// Close 释放总线资源。
	Close() error
}
