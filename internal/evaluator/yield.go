package evaluator

import (
	"context"
	"log/slog"

	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/internal/yield"
	"AgentFi-Mesh/pkg/logger"
)

// YieldEvaluator 将收益排序引擎封装在消息协议之后。服务本身无状态。
type YieldEvaluator struct {
	logger *slog.Logger
}

// NewYieldEvaluator 构造收益排序服务。
func NewYieldEvaluator() *YieldEvaluator {
	return &YieldEvaluator{logger: logger.Named("yield-evaluator")}
}

// Handle 处理 YIELD_QUERY 请求。空市场列表返回空排名而非错误。
func (e *YieldEvaluator) Handle(_ context.Context, env protocol.Envelope) protocol.Envelope {
	if env.Type != protocol.TypeYieldQuery {
		return errorReply(env, xerrors.AttributesOf(xerrors.CodeUnknownMessageType).Message)
	}

	var payload protocol.YieldQueryPayload
	if err := env.Decode(&payload); err != nil {
		return errorReply(env, "malformed market listing")
	}

	ranked := yield.Rank(payload.Market)
	e.logger.Info("完成收益排序",
		slog.Int("listings", len(payload.Market)),
		slog.Int("ranked", len(ranked)),
	)

	reply, err := protocol.NewEnvelope(protocol.TypeYieldResult, "", protocol.YieldResultPayload{
		Ranked: ranked,
	})
	if err != nil {
		return errorReply(env, err.Error())
	}
	return reply
}
