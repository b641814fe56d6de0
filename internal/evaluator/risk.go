package evaluator

import (
	"context"
	"log/slog"

	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/internal/risk"
	"AgentFi-Mesh/pkg/logger"
)

// RiskEvaluator 将规则引擎封装在消息协议之后。
type RiskEvaluator struct {
	engine *risk.Engine
	logger *slog.Logger
}

// NewRiskEvaluator 构造风险评估服务。
func NewRiskEvaluator(engine *risk.Engine) *RiskEvaluator {
	return &RiskEvaluator{engine: engine, logger: logger.Named("risk-evaluator")}
}

// Handle 处理 RISK_ASSESS 请求。无法识别的标签回以错误信封，从不静默丢弃。
func (e *RiskEvaluator) Handle(_ context.Context, env protocol.Envelope) protocol.Envelope {
	if env.Type != protocol.TypeRiskAssess {
		return errorReply(env, xerrors.AttributesOf(xerrors.CodeUnknownMessageType).Message)
	}

	var payload protocol.RiskAssessPayload
	if err := env.Decode(&payload); err != nil {
		return errorReply(env, "malformed portfolio")
	}
	if payload.Portfolio == nil {
		return errorReply(env, "missing portfolio")
	}

	verdict := e.engine.Evaluate(*payload.Portfolio)
	e.logger.Info("完成风险评估",
		slog.String("level", string(verdict.Level)),
		slog.Int("evidence", len(verdict.Evidence)),
		slog.Int("holdings", len(payload.Portfolio.Holdings)),
	)

	evidence := verdict.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	reply, err := protocol.NewEnvelope(protocol.TypeRiskResult, "", protocol.RiskResultPayload{
		PortfolioRisk: string(verdict.Level),
		Evidence:      evidence,
		Raw:           verdict.Raw,
	})
	if err != nil {
		return errorReply(env, err.Error())
	}
	return reply
}

func errorReply(request protocol.Envelope, message string) protocol.Envelope {
	reply := protocol.ErrorEnvelope("", message)
	reply.CorrID = request.CorrID
	return reply
}
