package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentFi-Mesh/internal/bus"
	"AgentFi-Mesh/internal/collector"
	"AgentFi-Mesh/internal/history"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/pkg/logger"
)

// Route 表示意图分类的结果。
type Route string

const (
	RouteRisk     Route = "risk"
	RouteYield    Route = "yield"
	RouteFallback Route = "fallback"
)

// Classify 对请求文本做大小写不敏感的子串匹配，优先级固定：
// 含 "risk" 只走风险评估；否则含 "yield" 只走收益排序；
// 都不含时回落到风险评估作为最保守的默认诊断。
// 同时含两个关键词的请求不会被拆分，"risk" 按优先级胜出——
// 每个请求只咨询一个评估器是刻意的设计简化，消息路由机制本身
// 支持用同样的等待模式向多个评估器扇出。
func Classify(text string) Route {
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "risk") {
		return RouteRisk
	}
	if strings.Contains(lowered, "yield") {
		return RouteYield
	}
	return RouteFallback
}

// Addresses 描述编排器自身与下游评估器的信箱地址。
type Addresses struct {
	Inbox    string
	ReplyBox string
	Risk     string
	Yield    string
}

// Orchestrator 接收 CHAT 请求，分类意图后经总线咨询对应的评估器，
// 并为每个入站请求组装恰好一条 CHAT_REPLY，超时路径也不例外。
// 每个请求由独立的处理流程承载，流程之间不共享可变状态。
type Orchestrator struct {
	bus         bus.Bus
	addrs       Addresses
	attempts    int
	attemptWait time.Duration
	store       history.Store
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithReplyBudget 设置等待评估器应答的预算：尝试次数与单次子超时。
func WithReplyBudget(attempts int, attemptWait time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if attemptWait > 0 {
			o.attemptWait = attemptWait
		}
	}
}

// WithHistory 配置历史记录存储。
func WithHistory(store history.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// New 构造编排器。
func New(b bus.Bus, addrs Addresses, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:         b,
		addrs:       addrs,
		attempts:    5,
		attemptWait: time.Second,
		logger:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Handle 处理一条入站信封并返回应答，供消费循环调用。
func (o *Orchestrator) Handle(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	if env.Type != protocol.TypeChat {
		return errorReply(env, "unknown message type")
	}

	var payload protocol.ChatPayload
	if err := env.Decode(&payload); err != nil {
		return errorReply(env, "malformed chat payload")
	}

	route := Classify(payload.Text)
	o.logger.Info("已分类请求意图",
		slog.String("route", string(route)),
		slog.String("sender", env.Sender),
	)

	var reply protocol.ChatReplyPayload
	switch route {
	case RouteYield:
		reply = o.consultYield(ctx, payload.Market)
	case RouteRisk:
		reply = o.consultRisk(ctx, payload.Portfolio, false)
	default:
		reply = o.consultRisk(ctx, payload.Portfolio, true)
	}

	o.record(ctx, payload, route, reply)

	out, err := protocol.NewEnvelope(protocol.TypeChatReply, "", reply)
	if err != nil {
		return errorReply(env, err.Error())
	}
	return out
}

// consultRisk 向风险评估器发起一次请求并组装回复文本。
func (o *Orchestrator) consultRisk(ctx context.Context, portfolio *protocol.Portfolio, fallback bool) protocol.ChatReplyPayload {
	result, err := o.exchange(ctx, o.addrs.Risk, protocol.TypeRiskAssess, protocol.TypeRiskResult,
		protocol.RiskAssessPayload{Portfolio: portfolio})
	if err != nil {
		if fallback {
			return protocol.ChatReplyPayload{Text: "I could not process your request."}
		}
		return protocol.ChatReplyPayload{Text: "Risk agent timed out."}
	}
	if result.IsError() {
		return protocol.ChatReplyPayload{Text: fmt.Sprintf("Risk agent returned an error: %s", result.Error)}
	}

	var verdict protocol.RiskResultPayload
	if err := result.Decode(&verdict); err != nil {
		return protocol.ChatReplyPayload{Text: "Risk agent returned an unreadable reply."}
	}

	text := fmt.Sprintf("Portfolio risk: %s. Evidence: %s",
		verdict.PortfolioRisk, strings.Join(verdict.Evidence, "; "))
	if fallback {
		text = fmt.Sprintf("I couldn't parse your intent exactly. Best guess: Portfolio risk is %s",
			verdict.PortfolioRisk)
	}
	return protocol.ChatReplyPayload{
		Text: text,
		Meta: map[string]any{
			"portfolio_risk": verdict.PortfolioRisk,
			"evidence":       verdict.Evidence,
		},
	}
}

// consultYield 向收益评估器发起一次请求并列出前三名。
func (o *Orchestrator) consultYield(ctx context.Context, market []protocol.Listing) protocol.ChatReplyPayload {
	result, err := o.exchange(ctx, o.addrs.Yield, protocol.TypeYieldQuery, protocol.TypeYieldResult,
		protocol.YieldQueryPayload{Market: market})
	if err != nil {
		return protocol.ChatReplyPayload{Text: "Yield agent timed out."}
	}
	if result.IsError() {
		return protocol.ChatReplyPayload{Text: fmt.Sprintf("Yield agent returned an error: %s", result.Error)}
	}

	var ranked protocol.YieldResultPayload
	if err := result.Decode(&ranked); err != nil {
		return protocol.ChatReplyPayload{Text: "Yield agent returned an unreadable reply."}
	}

	parts := make([]string, 0, 3)
	for i, opp := range ranked.Ranked {
		if i >= 3 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s(@%v%%)", opp.Protocol, opp.APY))
	}
	return protocol.ChatReplyPayload{
		Text: "Top yield opportunities: " + strings.Join(parts, ", "),
		Meta: map[string]any{"ranked": ranked.Ranked},
	}
}

// exchange 发出一条请求并在应答信箱上做有界等待。
func (o *Orchestrator) exchange(ctx context.Context, to string, reqType, respType protocol.MessageType, payload any) (protocol.Envelope, error) {
	request, err := protocol.NewEnvelope(reqType, o.addrs.ReplyBox, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	request.CorrID = uuid.NewString()
	if err := o.bus.Send(ctx, to, request); err != nil {
		return protocol.Envelope{}, err
	}

	waiter := collector.New(o.bus, o.addrs.ReplyBox,
		collector.WithAttempts(o.attempts),
		collector.WithAttemptWait(o.attemptWait),
	)
	result, err := waiter.Await(ctx, collector.MatchReply(respType, request.CorrID))
	if err != nil {
		if stdErrors.Is(err, collector.ErrNoReply) {
			o.logger.Warn("评估器应答超时",
				slog.String("evaluator", to),
				slog.String("corr_id", request.CorrID),
			)
		}
		return protocol.Envelope{}, err
	}
	return result, nil
}

func (o *Orchestrator) record(ctx context.Context, payload protocol.ChatPayload, route Route, reply protocol.ChatReplyPayload) {
	if o.store == nil {
		return
	}
	record := &history.Record{
		ID:      uuid.NewString(),
		Kind:    history.KindChat,
		Reason:  string(route),
		Summary: reply.Text,
	}
	if payload.Portfolio != nil {
		record.Address = payload.Portfolio.Address
	}
	if level, ok := reply.Meta["portfolio_risk"].(string); ok {
		record.RiskLevel = level
	}
	if err := o.store.Append(ctx, record); err != nil {
		o.logger.Error("写入历史记录失败", slog.Any("error", err))
	}
}

func errorReply(request protocol.Envelope, message string) protocol.Envelope {
	reply := protocol.ErrorEnvelope("", message)
	reply.CorrID = request.CorrID
	return reply
}
