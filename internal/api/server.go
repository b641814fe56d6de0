package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"AgentFi-Mesh/internal/bus"
	"AgentFi-Mesh/internal/collector"
	"AgentFi-Mesh/internal/history"
	"AgentFi-Mesh/internal/observability/metrics"
	"AgentFi-Mesh/internal/protocol"
)

// replyBox 是 API 层自己在总线上的应答信箱。
const replyBox = "api.replies"

// Addresses 描述 API 层需要投递的下游信箱。
type Addresses struct {
	Orchestrator string
	Gate         string
}

// Server 负责暴露 REST 接口，把外部请求翻译成总线信封。
type Server struct {
	addr        string
	bus         bus.Bus
	targets     Addresses
	store       history.Store
	attempts    int
	attemptWait time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithReplyBudget 设置等待总线应答的预算。
func WithReplyBudget(attempts int, attemptWait time.Duration) Option {
	return func(s *Server) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if attemptWait > 0 {
			s.attemptWait = attemptWait
		}
	}
}

// WithHistory 配置历史记录存储，供查询接口使用。
func WithHistory(store history.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, b bus.Bus, targets Addresses, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		bus:         b,
		targets:     targets,
		attempts:    8,
		attemptWait: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/agent/chat", instrument("chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("/api/v1/agent/execute", instrument("execute", http.HandlerFunc(s.handleExecute)))
	mux.Handle("/api/v1/portfolio/summary", instrument("portfolio_summary", http.HandlerFunc(s.handlePortfolioSummary)))
	mux.Handle("/api/v1/history", instrument("history", http.HandlerFunc(s.handleHistory)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// chatRequest 是聊天接口的请求体。
type chatRequest struct {
	Text      string              `json:"text"`
	Portfolio *protocol.Portfolio `json:"portfolio,omitempty"`
	Market    []protocol.Listing  `json:"market,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	payload := protocol.ChatPayload{Text: req.Text, Portfolio: req.Portfolio, Market: req.Market}
	result, err := s.exchange(r.Context(), s.targets.Orchestrator, protocol.TypeChat, payload,
		func(corrID string) collector.Matcher {
			return collector.MatchReply(protocol.TypeChatReply, corrID)
		})
	if err != nil {
		if stdErrors.Is(err, collector.ErrNoReply) {
			http.Error(w, "编排器应答超时", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.IsError() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": result.Error})
		return
	}

	var reply protocol.ChatReplyPayload
	if err := result.Decode(&reply); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// executeRequest 是执行接口的请求体。
type executeRequest struct {
	Proposal  map[string]any      `json:"proposal"`
	Portfolio *protocol.Portfolio `json:"portfolio,omitempty"`
	Market    []protocol.Listing  `json:"market,omitempty"`
}

// executeResponse 把闸门的终态决定展平给调用方。
type executeResponse struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	Evidence []string        `json:"evidence,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	payload := protocol.ExecuteProposalPayload{Proposal: req.Proposal, Portfolio: req.Portfolio, Market: req.Market}
	result, err := s.exchange(r.Context(), s.targets.Gate, protocol.TypeExecuteProposal, payload,
		func(corrID string) collector.Matcher {
			return collector.MatchAnyReply(corrID, protocol.TypeExecAccepted, protocol.TypeExecRejected)
		})
	if err != nil {
		if stdErrors.Is(err, collector.ErrNoReply) {
			http.Error(w, "执行闸门应答超时", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.IsError() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": result.Error})
		return
	}

	switch result.Type {
	case protocol.TypeExecAccepted:
		writeJSON(w, http.StatusOK, executeResponse{Decision: "accepted", Result: result.Payload})
	case protocol.TypeExecRejected:
		var rejected protocol.ExecRejectedPayload
		if err := result.Decode(&rejected); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, executeResponse{
			Decision: "rejected",
			Reason:   rejected.Reason,
			Evidence: rejected.Evidence,
		})
	default:
		http.Error(w, "闸门返回了未知消息类型", http.StatusBadGateway)
	}
}

// handlePortfolioSummary 返回演示用的示例持仓，供开发联调使用。
func (s *Server) handlePortfolioSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		address = "test"
	}
	sample := protocol.Portfolio{
		Address: address,
		Holdings: []protocol.Holding{
			{Symbol: "TOKENA", Fraction: 0.35, Volatility: 0.28, LiquidityRatio: 0.05},
			{Symbol: "TOKENB", Fraction: 0.25, Volatility: 0.08, LiquidityRatio: 0.5},
			{Symbol: "PYUSD", Fraction: 0.40, Volatility: 0.01, LiquidityRatio: 0.9},
		},
		Aggregates: &protocol.Aggregates{Volatility: 0.16},
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "历史记录存储未启用", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.store.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// exchange 把请求封装成信封投递到目标信箱，并在共享应答信箱上等待。
func (s *Server) exchange(ctx context.Context, to string, reqType protocol.MessageType, payload any, match func(corrID string) collector.Matcher) (protocol.Envelope, error) {
	request, err := protocol.NewEnvelope(reqType, replyBox, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	request.CorrID = uuid.NewString()
	if err := s.bus.Send(ctx, to, request); err != nil {
		return protocol.Envelope{}, err
	}

	waiter := collector.New(s.bus, replyBox,
		collector.WithAttempts(s.attempts),
		collector.WithAttemptWait(s.attemptWait),
	)
	return waiter.Await(ctx, match(request.CorrID))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 记录响应状态码，供指标采集使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理器附加请求计数与时延直方图。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
