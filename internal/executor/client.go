package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentFi-Mesh/internal/errors"
)

// Client 抽象了执行/签名协作方：输入 {proposal, reason}，
// 返回不透明的已签名交易应答。本核心从不自动重试失败的调用。
type Client interface {
	Execute(ctx context.Context, proposal map[string]any, reason string) (json.RawMessage, error)
}

// HTTPClient 通过 HTTP 调用外部签名后端。
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient 构造 HTTP 执行客户端。
func NewHTTPClient(endpoint string, timeout time.Duration) (*HTTPClient, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行后端地址不能为空")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type executeRequest struct {
	Proposal map[string]any `json:"proposal"`
	Reason   string         `json:"reason"`
}

// Execute 将提案连同闸门给出的理由提交给签名后端，原样返回其应答。
func (c *HTTPClient) Execute(ctx context.Context, proposal map[string]any, reason string) (json.RawMessage, error) {
	body, err := json.Marshal(executeRequest{Proposal: proposal, Reason: reason})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedInput, err, "序列化执行请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "构造执行请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "调用执行后端失败")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "读取执行后端应答失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure,
			fmt.Sprintf("执行后端返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	if !json.Valid(payload) {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "执行后端应答不是合法 JSON")
	}
	return payload, nil
}

var _ Client = (*HTTPClient)(nil)
