package protocol

import "encoding/json"

// RiskAssessPayload 是 RISK_ASSESS 消息的负载。
type RiskAssessPayload struct {
	Portfolio *Portfolio `json:"portfolio"`
}

// RiskResultPayload 是 RISK_RESULT 消息的负载。
type RiskResultPayload struct {
	PortfolioRisk string    `json:"portfolio_risk"`
	Evidence      []string  `json:"evidence"`
	Raw           Portfolio `json:"raw"`
}

// YieldQueryPayload 是 YIELD_QUERY 消息的负载。
type YieldQueryPayload struct {
	Market []Listing `json:"market"`
}

// YieldResultPayload 是 YIELD_RESULT 消息的负载。
type YieldResultPayload struct {
	Ranked []RankedOpportunity `json:"ranked"`
}

// ChatPayload 是 CHAT 消息的负载。
type ChatPayload struct {
	Text      string     `json:"text"`
	Portfolio *Portfolio `json:"portfolio,omitempty"`
	Market    []Listing  `json:"market,omitempty"`
}

// ChatReplyPayload 是 CHAT_REPLY 消息的负载。
type ChatReplyPayload struct {
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ExecuteProposalPayload 是 EXECUTE_PROPOSAL 消息的负载。
type ExecuteProposalPayload struct {
	Proposal  map[string]any `json:"proposal"`
	Portfolio *Portfolio     `json:"portfolio"`
	Market    []Listing      `json:"market,omitempty"`
}

// ExecRejectedPayload 是 EXEC_REJECTED 消息的负载。
type ExecRejectedPayload struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
}

// ExecAcceptedPayload 原样透传执行协作方的应答。
type ExecAcceptedPayload = json.RawMessage
