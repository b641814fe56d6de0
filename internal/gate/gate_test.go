package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"AgentFi-Mesh/internal/bus"
	xerrors "AgentFi-Mesh/internal/errors"
	"AgentFi-Mesh/internal/evaluator"
	"AgentFi-Mesh/internal/history"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/internal/risk"
)

// stubExecutor 记录调用并返回预设结果。
type stubExecutor struct {
	called bool
	reason string
	raw    json.RawMessage
	err    error
}

func (s *stubExecutor) Execute(_ context.Context, _ map[string]any, reason string) (json.RawMessage, error) {
	s.called = true
	s.reason = reason
	if s.err != nil {
		return nil, s.err
	}
	return s.raw, nil
}

func testAddresses() Addresses {
	return Addresses{
		Inbox:    "execution-gate",
		ReplyBox: "execution-gate.replies",
		Risk:     "risk-agent",
		Yield:    "yield-agent",
	}
}

func startRiskEvaluator(t *testing.T, b bus.Bus) context.CancelFunc {
	t.Helper()
	engine, err := risk.NewEngine([]risk.Rule{{
		Condition: risk.Condition{Field: risk.FieldVolatility, Op: risk.OpGreaterThan, Value: 0.25},
		Effect:    risk.Effect{Risk: risk.LevelHigh, Explanation: "high volatility asset"},
	}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runner := evaluator.NewRunner(b, "risk-agent", evaluator.NewRiskEvaluator(engine).Handle,
		evaluator.WithBlockWait(50*time.Millisecond))
	go func() { _ = runner.Start(ctx) }()
	return cancel
}

func startYieldEvaluator(t *testing.T, b bus.Bus) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runner := evaluator.NewRunner(b, "yield-agent", evaluator.NewYieldEvaluator().Handle,
		evaluator.WithBlockWait(50*time.Millisecond))
	go func() { _ = runner.Start(ctx) }()
	return cancel
}

func proposalEnvelope(t *testing.T, payload protocol.ExecuteProposalPayload) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeExecuteProposal, "api.replies", payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.CorrID = "exec-corr"
	return env
}

func decodeRejection(t *testing.T, reply protocol.Envelope) protocol.ExecRejectedPayload {
	t.Helper()
	if reply.IsError() {
		t.Fatalf("unexpected error reply: %s", reply.Error)
	}
	if reply.Type != protocol.TypeExecRejected {
		t.Fatalf("expected EXEC_REJECTED, got %s", reply.Type)
	}
	var rejected protocol.ExecRejectedPayload
	if err := reply.Decode(&rejected); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rejected
}

func TestHandleRejectsHighRiskBeforeExecutor(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	cancel := startRiskEvaluator(t, b)
	defer cancel()

	exec := &stubExecutor{raw: json.RawMessage(`{"status":"signed"}`)}
	store := history.NewMemoryStore()
	g := New(b, testAddresses(), exec,
		WithReplyBudget(5, 200*time.Millisecond),
		WithHistory(store),
	)

	reply := g.Handle(context.Background(), proposalEnvelope(t, protocol.ExecuteProposalPayload{
		Proposal: map[string]any{"action": "swap"},
		Portfolio: &protocol.Portfolio{
			Address:  "0xabc",
			Holdings: []protocol.Holding{{Symbol: "SHIB", Volatility: 0.9}},
		},
	}))

	rejected := decodeRejection(t, reply)
	if rejected.Reason != ReasonRiskHigh {
		t.Fatalf("expected reason %s, got %s", ReasonRiskHigh, rejected.Reason)
	}
	if len(rejected.Evidence) != 1 || rejected.Evidence[0] != "SHIB -> high volatility asset" {
		t.Fatalf("unexpected evidence: %v", rejected.Evidence)
	}
	if exec.called {
		t.Fatal("executor must never be reached on HIGH risk")
	}
	if reply.CorrID != "exec-corr" {
		t.Fatalf("rejection must keep correlation id, got %q", reply.CorrID)
	}

	records, err := store.ListLatest(context.Background(), 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one history record, got %d err=%v", len(records), err)
	}
	if records[0].Kind != history.KindExecution || records[0].Summary != "REJECTED" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestHandleRejectsOnRiskTimeout(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	// 没有风险评估器在运行。
	exec := &stubExecutor{}
	g := New(b, testAddresses(), exec, WithReplyBudget(2, 30*time.Millisecond))

	reply := g.Handle(context.Background(), proposalEnvelope(t, protocol.ExecuteProposalPayload{
		Proposal: map[string]any{"action": "swap"},
	}))

	rejected := decodeRejection(t, reply)
	if rejected.Reason != ReasonRiskTimeout {
		t.Fatalf("expected reason %s, got %s", ReasonRiskTimeout, rejected.Reason)
	}
	if exec.called {
		t.Fatal("executor must never be reached when risk assessment times out")
	}
}

func TestHandleRejectsOnRiskErrorReply(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	cancel := startRiskEvaluator(t, b)
	defer cancel()

	exec := &stubExecutor{}
	g := New(b, testAddresses(), exec, WithReplyBudget(5, 200*time.Millisecond))

	// 缺少组合会让风险评估器回以错误信封。
	reply := g.Handle(context.Background(), proposalEnvelope(t, protocol.ExecuteProposalPayload{
		Proposal: map[string]any{"action": "swap"},
	}))

	rejected := decodeRejection(t, reply)
	if rejected.Reason != ReasonRiskError {
		t.Fatalf("expected reason %s, got %s", ReasonRiskError, rejected.Reason)
	}
	if exec.called {
		t.Fatal("executor must never be reached on risk error")
	}
}

func lowRiskProposal(t *testing.T) protocol.Envelope {
	t.Helper()
	return proposalEnvelope(t, protocol.ExecuteProposalPayload{
		Proposal: map[string]any{"action": "swap"},
		Portfolio: &protocol.Portfolio{
			Holdings: []protocol.Holding{{Symbol: "PYUSD", Volatility: 0.01}},
		},
		Market: []protocol.Listing{{Protocol: "Aave", APY: 4.0, RiskScore: 0.1}},
	})
}

func TestHandleAcceptsLowRisk(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	cancelRisk := startRiskEvaluator(t, b)
	defer cancelRisk()
	cancelYield := startYieldEvaluator(t, b)
	defer cancelYield()

	exec := &stubExecutor{raw: json.RawMessage(`{"signed_tx":"0xbeef","status":"signed"}`)}
	g := New(b, testAddresses(), exec, WithReplyBudget(5, 200*time.Millisecond))

	reply := g.Handle(context.Background(), lowRiskProposal(t))

	if reply.IsError() {
		t.Fatalf("unexpected error reply: %s", reply.Error)
	}
	if reply.Type != protocol.TypeExecAccepted {
		t.Fatalf("expected EXEC_ACCEPTED, got %s", reply.Type)
	}
	if !exec.called || exec.reason != ReasonOK {
		t.Fatalf("executor should be called with reason ok, called=%v reason=%q", exec.called, exec.reason)
	}
	// 执行方应答必须原样透传。
	var raw json.RawMessage
	if err := reply.Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != `{"signed_tx":"0xbeef","status":"signed"}` {
		t.Fatalf("payload must pass through verbatim, got %s", raw)
	}
}

func TestHandleProceedsWithoutYieldInfo(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	cancel := startRiskEvaluator(t, b)
	defer cancel()
	// 收益评估器缺席，只降级理由，不阻断执行。

	exec := &stubExecutor{raw: json.RawMessage(`{"status":"signed"}`)}
	g := New(b, testAddresses(), exec, WithReplyBudget(2, 100*time.Millisecond))

	reply := g.Handle(context.Background(), lowRiskProposal(t))

	if reply.Type != protocol.TypeExecAccepted {
		t.Fatalf("expected EXEC_ACCEPTED, got %+v", reply)
	}
	if !exec.called || exec.reason != ReasonNoYieldInfo {
		t.Fatalf("executor should be called with no_yield_info, called=%v reason=%q", exec.called, exec.reason)
	}
}

func TestHandleRejectsOnExecutorFailure(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	cancelRisk := startRiskEvaluator(t, b)
	defer cancelRisk()
	cancelYield := startYieldEvaluator(t, b)
	defer cancelYield()

	exec := &stubExecutor{err: xerrors.New(xerrors.CodeCollaboratorFailure, "")}
	g := New(b, testAddresses(), exec, WithReplyBudget(5, 200*time.Millisecond))

	reply := g.Handle(context.Background(), lowRiskProposal(t))

	rejected := decodeRejection(t, reply)
	if rejected.Reason != ReasonExecutorFailure {
		t.Fatalf("expected reason %s, got %s", ReasonExecutorFailure, rejected.Reason)
	}
}

func TestHandleRejectsUnknownType(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	g := New(b, testAddresses(), &stubExecutor{})

	reply := g.Handle(context.Background(), protocol.Envelope{
		Type: protocol.TypeChat, Sender: "api.replies", CorrID: "corr",
	})
	if !reply.IsError() || reply.Error != "unknown message type" {
		t.Fatalf("expected unknown message type error, got %+v", reply)
	}
}

func TestHandleRejectsMissingProposal(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	exec := &stubExecutor{}
	g := New(b, testAddresses(), exec)

	reply := g.Handle(context.Background(), proposalEnvelope(t, protocol.ExecuteProposalPayload{}))
	if !reply.IsError() || reply.Error != ReasonMissingProposal {
		t.Fatalf("expected missing proposal error, got %+v", reply)
	}
	if exec.called {
		t.Fatal("executor must not be reached without a proposal")
	}
}
