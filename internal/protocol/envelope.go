package protocol

import (
	"encoding/json"

	xerrors "AgentFi-Mesh/internal/errors"
)

// MessageType 是信封上的消息标签，标签空间是封闭的。
type MessageType string

const (
	TypeRiskAssess      MessageType = "RISK_ASSESS"
	TypeRiskResult      MessageType = "RISK_RESULT"
	TypeYieldQuery      MessageType = "YIELD_QUERY"
	TypeYieldResult     MessageType = "YIELD_RESULT"
	TypeChat            MessageType = "CHAT"
	TypeChatReply       MessageType = "CHAT_REPLY"
	TypeExecuteProposal MessageType = "EXECUTE_PROPOSAL"
	TypeExecAccepted    MessageType = "EXEC_ACCEPTED"
	TypeExecRejected    MessageType = "EXEC_REJECTED"
)

// Valid 判断标签是否属于封闭的标签空间。
func (t MessageType) Valid() bool {
	switch t {
	case TypeRiskAssess, TypeRiskResult, TypeYieldQuery, TypeYieldResult,
		TypeChat, TypeChatReply, TypeExecuteProposal, TypeExecAccepted, TypeExecRejected:
		return true
	default:
		return false
	}
}

// Envelope 是总线上传递的统一信封。Error 非空时表示错误应答，
// 此时 Type 与 Payload 为空，这是边界上唯一的错误信封形态。
type Envelope struct {
	Type    MessageType     `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender"`
	CorrID  string          `json:"corr_id,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Requeued 记录信封在共享信箱上被等待者让渡的次数。
	// 让渡次数耗尽预算的信封按无人认领的过期消息处理。
	Requeued int `json:"requeued,omitempty"`
}

// NewEnvelope 构造一个携带结构化负载的信封。
func NewEnvelope(t MessageType, sender string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeMalformedInput, err, "序列化消息负载失败")
	}
	return Envelope{Type: t, Payload: raw, Sender: sender}, nil
}

// ErrorEnvelope 构造错误应答信封。
func ErrorEnvelope(sender, message string) Envelope {
	return Envelope{Sender: sender, Error: message}
}

// IsError 判断信封是否为错误应答。
func (e Envelope) IsError() bool {
	return e.Error != ""
}

// Decode 将负载解码到目标结构。解码失败返回 MALFORMED_INPUT，
// 负载缺失返回 MISSING_REQUIRED_FIELD。
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return xerrors.New(xerrors.CodeMissingRequiredField, "消息负载为空")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeMalformedInput, err, "解析消息负载失败")
	}
	return nil
}
