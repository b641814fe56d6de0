package evaluator

import (
	"context"
	"testing"
	"time"

	"AgentFi-Mesh/internal/bus"
	"AgentFi-Mesh/internal/protocol"
	"AgentFi-Mesh/internal/risk"
)

func newRiskEvaluator(t *testing.T) *RiskEvaluator {
	t.Helper()
	engine, err := risk.NewEngine([]risk.Rule{{
		Condition: risk.Condition{Field: risk.FieldVolatility, Op: risk.OpGreaterThan, Value: 0.25},
		Effect:    risk.Effect{Risk: risk.LevelHigh, Explanation: "high volatility asset"},
	}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return NewRiskEvaluator(engine)
}

func TestRiskEvaluatorReturnsVerdict(t *testing.T) {
	eval := newRiskEvaluator(t)

	request, err := protocol.NewEnvelope(protocol.TypeRiskAssess, "caller", protocol.RiskAssessPayload{
		Portfolio: &protocol.Portfolio{
			Holdings: []protocol.Holding{{Symbol: "SHIB", Volatility: 0.9}},
		},
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	request.CorrID = "corr"

	reply := eval.Handle(context.Background(), request)
	if reply.IsError() {
		t.Fatalf("unexpected error reply: %s", reply.Error)
	}
	var verdict protocol.RiskResultPayload
	if err := reply.Decode(&verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verdict.PortfolioRisk != "HIGH" {
		t.Fatalf("expected HIGH, got %s", verdict.PortfolioRisk)
	}
	if len(verdict.Evidence) != 1 || verdict.Evidence[0] != "SHIB -> high volatility asset" {
		t.Fatalf("unexpected evidence: %v", verdict.Evidence)
	}
}

func TestRiskEvaluatorEvidenceNeverNull(t *testing.T) {
	eval := newRiskEvaluator(t)

	request, _ := protocol.NewEnvelope(protocol.TypeRiskAssess, "caller", protocol.RiskAssessPayload{
		Portfolio: &protocol.Portfolio{
			Holdings: []protocol.Holding{{Symbol: "PYUSD", Volatility: 0.01}},
		},
	})

	reply := eval.Handle(context.Background(), request)
	var verdict protocol.RiskResultPayload
	if err := reply.Decode(&verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verdict.Evidence == nil {
		t.Fatal("evidence must be an empty list, not null")
	}
}

func TestRiskEvaluatorRejectsUnknownType(t *testing.T) {
	eval := newRiskEvaluator(t)

	request := protocol.Envelope{Type: protocol.TypeYieldQuery, Sender: "caller", CorrID: "corr"}
	reply := eval.Handle(context.Background(), request)
	if !reply.IsError() {
		t.Fatal("expected error reply for unknown type")
	}
	if reply.Error != "unknown message type" {
		t.Fatalf("unexpected error text: %q", reply.Error)
	}
	if reply.CorrID != "corr" {
		t.Fatalf("error reply must keep correlation id, got %q", reply.CorrID)
	}
}

func TestRiskEvaluatorRejectsMissingPortfolio(t *testing.T) {
	eval := newRiskEvaluator(t)

	request, _ := protocol.NewEnvelope(protocol.TypeRiskAssess, "caller", protocol.RiskAssessPayload{})
	reply := eval.Handle(context.Background(), request)
	if !reply.IsError() || reply.Error != "missing portfolio" {
		t.Fatalf("expected missing portfolio error, got %+v", reply)
	}
}

func TestYieldEvaluatorRanksMarket(t *testing.T) {
	eval := NewYieldEvaluator()

	request, _ := protocol.NewEnvelope(protocol.TypeYieldQuery, "caller", protocol.YieldQueryPayload{
		Market: []protocol.Listing{
			{Protocol: "Aave", APY: 4.0, RiskScore: 0.1},
			{Protocol: "DegenFarm", APY: 40.0, RiskScore: 0.95},
		},
	})

	reply := eval.Handle(context.Background(), request)
	if reply.IsError() {
		t.Fatalf("unexpected error reply: %s", reply.Error)
	}
	var result protocol.YieldResultPayload
	if err := reply.Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Ranked) != 2 || result.Ranked[0].Protocol != "Aave" {
		t.Fatalf("unexpected ranking: %+v", result.Ranked)
	}
}

func TestYieldEvaluatorEmptyMarket(t *testing.T) {
	eval := NewYieldEvaluator()

	request, _ := protocol.NewEnvelope(protocol.TypeYieldQuery, "caller", protocol.YieldQueryPayload{})
	reply := eval.Handle(context.Background(), request)
	if reply.IsError() {
		t.Fatalf("empty market must not be an error: %s", reply.Error)
	}
}

func TestRunnerServesConcurrentRequests(t *testing.T) {
	b := bus.NewMemoryBus(8)
	defer b.Close()

	release := make(chan struct{})
	handle := func(_ context.Context, env protocol.Envelope) protocol.Envelope {
		var req struct {
			Slow bool `json:"slow"`
		}
		_ = env.Decode(&req)
		if req.Slow {
			<-release
		}
		reply, _ := protocol.NewEnvelope(protocol.TypeChatReply, "", protocol.ChatReplyPayload{Text: "done"})
		return reply
	}

	runner := NewRunner(b, "svc", handle, WithWorkers(2), WithBlockWait(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = runner.Start(ctx)
	}()

	slow, _ := protocol.NewEnvelope(protocol.TypeChat, "slow.replies", map[string]bool{"slow": true})
	slow.CorrID = "slow"
	fast, _ := protocol.NewEnvelope(protocol.TypeChat, "fast.replies", map[string]bool{"slow": false})
	fast.CorrID = "fast"
	if err := b.Send(ctx, "svc", slow); err != nil {
		t.Fatalf("send slow: %v", err)
	}
	if err := b.Send(ctx, "svc", fast); err != nil {
		t.Fatalf("send fast: %v", err)
	}

	// 慢请求还在处理中时，快请求必须照常得到应答，不能被串行化。
	reply, ok, err := b.Receive(ctx, "fast.replies", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("no reply while another request was in flight: ok=%v err=%v", ok, err)
	}
	if reply.CorrID != "fast" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	close(release)
	if _, ok, err := b.Receive(ctx, "slow.replies", 2*time.Second); err != nil || !ok {
		t.Fatalf("slow request never completed: ok=%v err=%v", ok, err)
	}
}

func TestRunnerRoundTrip(t *testing.T) {
	b := bus.NewMemoryBus(8)
	defer b.Close()

	runner := NewRunner(b, "risk-agent", newRiskEvaluator(t).Handle,
		WithBlockWait(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = runner.Start(ctx)
	}()

	request, _ := protocol.NewEnvelope(protocol.TypeRiskAssess, "caller.replies", protocol.RiskAssessPayload{
		Portfolio: &protocol.Portfolio{Holdings: []protocol.Holding{{Symbol: "SHIB", Volatility: 0.9}}},
	})
	request.CorrID = "corr-42"
	if err := b.Send(ctx, "risk-agent", request); err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, ok, err := b.Receive(ctx, "caller.replies", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("no reply: ok=%v err=%v", ok, err)
	}
	if reply.Sender != "risk-agent" {
		t.Fatalf("runner must stamp its address as sender, got %q", reply.Sender)
	}
	if reply.CorrID != "corr-42" {
		t.Fatalf("runner must propagate correlation id, got %q", reply.CorrID)
	}
	if reply.Type != protocol.TypeRiskResult {
		t.Fatalf("unexpected reply type: %s", reply.Type)
	}
}
