package history

import "context"

// Kind 区分历史记录的来源。
type Kind string

const (
	KindChat      Kind = "chat"
	KindExecution Kind = "execution"
)

// Record 描述一次已完成的编排或执行决策，用于审计与回放。
type Record struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"kind"`
	Address   string   `json:"address,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Evidence  []string `json:"evidence,omitempty"`
	Summary   string   `json:"summary"`
	CreatedAt int64    `json:"created_at"`
}

// Store 抽象了历史记录的持久化接口。
type Store interface {
	Append(ctx context.Context, record *Record) error
	ListLatest(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}
