package gate

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentFi-Mesh/internal/bus"
	"AgentFi-Mesh/internal/collector"
	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/executor"
	"AgentFi-Mesh/internal/history"
	"AgentFi-Mesh/internal/observability/alerting"
	"AgentFi-Mesh/internal/observability/metrics"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/pkg/logger"
)

// 拒绝与放行理由。理由随 EXEC_REJECTED / 执行调用一同对外传递，
// 是协议的一部分，不可随意改写。
const (
	ReasonRiskHigh         = "RISK_HIGH"
	ReasonRiskTimeout      = "risk_agent_timeout"
	ReasonRiskError        = "risk_agent_error"
	ReasonNoYieldInfo      = "no_yield_info"
	ReasonOK               = "ok"
	ReasonExecutorFailure  = "collaborator_unreachable"
	ReasonMissingProposal  = "missing proposal"
	ReasonMalformedRequest = "malformed execution request"
)

// Addresses 描述闸门自身与评估器的信箱地址。
type Addresses struct {
	Inbox    string
	ReplyBox string
	Risk     string
	Yield    string
}

// Gate 实现风险闸门式执行：提案在转交执行协作方之前必须先通过
// 强制性风险评估，收益咨询则是尽力而为、失败不阻断。
// 风险咨询未得到明确结论（超时、错误、HIGH 裁定）时一律拒绝，
// 且绝不触达执行协作方。
type Gate struct {
	bus         bus.Bus
	addrs       Addresses
	exec        executor.Client
	attempts    int
	attemptWait time.Duration
	store       history.Store
	alerts      alerting.Dispatcher
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Gate)

// WithReplyBudget 设置等待评估器应答的预算：尝试次数与单次子超时。
func WithReplyBudget(attempts int, attemptWait time.Duration) Option {
	return func(g *Gate) {
		if attempts > 0 {
			g.attempts = attempts
		}
		if attemptWait > 0 {
			g.attemptWait = attemptWait
		}
	}
}

// WithHistory 配置历史记录存储。
func WithHistory(store history.Store) Option {
	return func(g *Gate) {
		g.store = store
	}
}

// WithAlerts 配置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(g *Gate) {
		g.alerts = dispatcher
	}
}

// New 构造执行闸门。
func New(b bus.Bus, addrs Addresses, exec executor.Client, opts ...Option) *Gate {
	g := &Gate{
		bus:         b,
		addrs:       addrs,
		exec:        exec,
		attempts:    5,
		attemptWait: time.Second,
		logger:      logger.Named("gate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Handle 处理一条 EXECUTE_PROPOSAL 信封并返回恰好一条终态应答：
// EXEC_ACCEPTED 或 EXEC_REJECTED。
func (g *Gate) Handle(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	if env.Type != protocol.TypeExecuteProposal {
		return errorReply(env, "unknown message type")
	}

	var payload protocol.ExecuteProposalPayload
	if err := env.Decode(&payload); err != nil {
		return errorReply(env, ReasonMalformedRequest)
	}
	if len(payload.Proposal) == 0 {
		return errorReply(env, ReasonMissingProposal)
	}

	// 第一步：强制性风险评估。任何非明确结论都会导致拒绝。
	verdict, reason := g.assessRisk(ctx, payload.Portfolio)
	if reason != "" {
		return g.reject(ctx, env, payload, reason, nil)
	}
	if verdict.PortfolioRisk == "HIGH" {
		return g.reject(ctx, env, payload, ReasonRiskHigh, verdict.Evidence)
	}

	// 第二步：尽力而为的收益咨询，只影响传给执行方的理由。
	execReason := ReasonOK
	if !g.consultYield(ctx, payload.Market) {
		execReason = ReasonNoYieldInfo
	}

	// 第三步：调用执行协作方。失败即拒绝，不做自动重试。
	raw, err := g.exec.Execute(ctx, payload.Proposal, execReason)
	if err != nil {
		g.logger.Error("执行协作方调用失败",
			slog.String("corr_id", env.CorrID),
			slog.Any("error", err),
		)
		return g.reject(ctx, env, payload, ReasonExecutorFailure, nil)
	}

	g.record(ctx, payload, "ACCEPTED", execReason, nil)
	metrics.ObserveGateDecision("accepted", execReason)

	out, err := protocol.NewEnvelope(protocol.TypeExecAccepted, "", protocol.ExecAcceptedPayload(raw))
	if err != nil {
		return errorReply(env, err.Error())
	}
	out.CorrID = env.CorrID
	return out
}

// assessRisk 执行强制性风险咨询。
// 成功且结论可读时返回裁定；否则返回非空的拒绝理由。
func (g *Gate) assessRisk(ctx context.Context, portfolio *protocol.Portfolio) (protocol.RiskResultPayload, string) {
	var verdict protocol.RiskResultPayload

	result, err := g.exchange(ctx, g.addrs.Risk, protocol.TypeRiskAssess, protocol.TypeRiskResult,
		protocol.RiskAssessPayload{Portfolio: portfolio})
	if err != nil {
		if stdErrors.Is(err, collector.ErrNoReply) {
			return verdict, ReasonRiskTimeout
		}
		return verdict, ReasonRiskError
	}
	if result.IsError() {
		g.logger.Warn("风险评估器返回错误", slog.String("error", result.Error))
		return verdict, ReasonRiskError
	}
	if err := result.Decode(&verdict); err != nil {
		return verdict, ReasonRiskError
	}
	return verdict, ""
}

// consultYield 执行尽力而为的收益咨询，仅返回是否得到了可用结论。
func (g *Gate) consultYield(ctx context.Context, market []protocol.Listing) bool {
	result, err := g.exchange(ctx, g.addrs.Yield, protocol.TypeYieldQuery, protocol.TypeYieldResult,
		protocol.YieldQueryPayload{Market: market})
	if err != nil || result.IsError() {
		return false
	}
	var ranked protocol.YieldResultPayload
	if err := result.Decode(&ranked); err != nil {
		return false
	}
	return true
}

// exchange 发出一条请求并在应答信箱上做有界等待。
func (g *Gate) exchange(ctx context.Context, to string, reqType, respType protocol.MessageType, payload any) (protocol.Envelope, error) {
	request, err := protocol.NewEnvelope(reqType, g.addrs.ReplyBox, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	request.CorrID = uuid.NewString()
	if err := g.bus.Send(ctx, to, request); err != nil {
		return protocol.Envelope{}, err
	}

	waiter := collector.New(g.bus, g.addrs.ReplyBox,
		collector.WithAttempts(g.attempts),
		collector.WithAttemptWait(g.attemptWait),
	)
	return waiter.Await(ctx, collector.MatchReply(respType, request.CorrID))
}

// reject 组装一条 EXEC_REJECTED 应答并落库、告警。
func (g *Gate) reject(ctx context.Context, request protocol.Envelope, payload protocol.ExecuteProposalPayload, reason string, evidence []string) protocol.Envelope {
	if evidence == nil {
		evidence = []string{}
	}
	g.logger.Info("拒绝执行提案",
		slog.String("reason", reason),
		slog.String("corr_id", request.CorrID),
	)

	g.record(ctx, payload, "REJECTED", reason, evidence)
	metrics.ObserveGateDecision("rejected", reason)
	code := rejectCode(reason)
	g.alert(ctx, alerting.Event{
		Code:       code,
		Message:    "执行提案被闸门拒绝",
		Severity:   xerrors.AttributesOf(code).Severity,
		Address:    portfolioAddress(payload.Portfolio),
		Reason:     reason,
		OccurredAt: time.Now(),
	})

	out, err := protocol.NewEnvelope(protocol.TypeExecRejected, "",
		protocol.ExecRejectedPayload{Reason: reason, Evidence: evidence})
	if err != nil {
		return errorReply(request, err.Error())
	}
	out.CorrID = request.CorrID
	return out
}

func (g *Gate) record(ctx context.Context, payload protocol.ExecuteProposalPayload, outcome, reason string, evidence []string) {
	if g.store == nil {
		return
	}
	record := &history.Record{
		ID:       uuid.NewString(),
		Kind:     history.KindExecution,
		Address:  portfolioAddress(payload.Portfolio),
		Reason:   reason,
		Evidence: evidence,
		Summary:  outcome,
	}
	if err := g.store.Append(ctx, record); err != nil {
		g.logger.Error("写入历史记录失败", slog.Any("error", err))
	}
}

func (g *Gate) alert(ctx context.Context, event alerting.Event) {
	if g.alerts == nil {
		return
	}
	if err := g.alerts.Notify(ctx, event); err != nil {
		g.logger.Warn("告警分发失败", slog.Any("error", err))
	}
}

func rejectCode(reason string) xerrors.Code {
	switch reason {
	case ReasonRiskTimeout:
		return xerrors.CodeEvaluatorTimeout
	case ReasonExecutorFailure:
		return xerrors.CodeCollaboratorFailure
	default:
		return xerrors.CodeInvalidArgument
	}
}

func portfolioAddress(p *protocol.Portfolio) string {
	if p == nil {
		return ""
	}
	return p.Address
}

func errorReply(request protocol.Envelope, message string) protocol.Envelope {
	reply := protocol.ErrorEnvelope("", message)
	reply.CorrID = request.CorrID
	return reply
}
