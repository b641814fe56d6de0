package executor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "AgentFi-Mesh/internal/errors"
)

// SignerConfig 描述本地签名执行器的参数。
type SignerConfig struct {
	PrivateKeyHex string
	ChainID       int64
	RPCURL        string
	Broadcast     bool
	GasLimit      uint64
	GasPriceWei   int64
}

// LocalSigner 在进程内完成交易构造与签名，替代外部签名后端。
// 配置了 RPC 端点时还会广播交易并使用链上 nonce。
type LocalSigner struct {
	key       *ecdsa.PrivateKey
	chainID   *big.Int
	eth       *ethclient.Client
	broadcast bool
	gasLimit  uint64
	gasPrice  *big.Int
}

// NewLocalSigner 构造本地签名执行器。
func NewLocalSigner(ctx context.Context, cfg SignerConfig) (*LocalSigner, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	if cfg.ChainID <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链 ID")
	}

	signer := &LocalSigner{
		key:       key,
		chainID:   big.NewInt(cfg.ChainID),
		broadcast: cfg.Broadcast,
		gasLimit:  cfg.GasLimit,
		gasPrice:  big.NewInt(cfg.GasPriceWei),
	}
	if signer.gasLimit == 0 {
		signer.gasLimit = 21000
	}
	if cfg.GasPriceWei <= 0 {
		signer.gasPrice = big.NewInt(1_000_000_000)
	}

	if rpcURL := strings.TrimSpace(cfg.RPCURL); rpcURL != "" {
		eth, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "连接以太坊节点失败")
		}
		signer.eth = eth
	}
	return signer, nil
}

// Execute 依据提案字段构造并签名一笔交易。
// 提案字段: to（必填）、value（wei，十进制或 0x 十六进制字符串）、data（0x 十六进制）。
func (s *LocalSigner) Execute(ctx context.Context, proposal map[string]any, reason string) (json.RawMessage, error) {
	toRaw, _ := proposal["to"].(string)
	if !common.IsHexAddress(toRaw) {
		return nil, xerrors.New(xerrors.CodeMalformedInput, "提案缺少合法的 to 地址")
	}
	to := common.HexToAddress(toRaw)

	value, err := parseWei(proposal["value"])
	if err != nil {
		return nil, err
	}
	data, err := parseData(proposal["data"])
	if err != nil {
		return nil, err
	}

	from := crypto.PubkeyToAddress(s.key.PublicKey)
	var nonce uint64
	if s.eth != nil {
		nonce, err = s.eth.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "查询交易 nonce 失败")
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      s.gasLimit,
		GasPrice: s.gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "签名交易失败")
	}

	status := "signed"
	if s.broadcast && s.eth != nil {
		if err := s.eth.SendTransaction(ctx, signed); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "广播交易失败")
		}
		status = "broadcast"
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "序列化交易失败")
	}
	response := map[string]any{
		"signed_tx": hexutil.Encode(raw),
		"tx_hash":   signed.Hash().Hex(),
		"status":    status,
		"from":      from.Hex(),
		"reason":    reason,
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "序列化执行应答失败")
	}
	return payload, nil
}

// Close 释放网络连接。
func (s *LocalSigner) Close() {
	if s != nil && s.eth != nil {
		s.eth.Close()
	}
}

func parseWei(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case nil:
		return big.NewInt(0), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return big.NewInt(0), nil
		}
		base := 10
		if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
			trimmed = trimmed[2:]
			base = 16
		}
		value, ok := new(big.Int).SetString(trimmed, base)
		if !ok || value.Sign() < 0 {
			return nil, xerrors.New(xerrors.CodeMalformedInput, fmt.Sprintf("非法的 value: %q", v))
		}
		return value, nil
	case float64:
		if v < 0 {
			return nil, xerrors.New(xerrors.CodeMalformedInput, "value 不能为负")
		}
		value, _ := new(big.Float).SetFloat64(v).Int(nil)
		return value, nil
	default:
		return nil, xerrors.New(xerrors.CodeMalformedInput, fmt.Sprintf("不支持的 value 类型: %T", raw))
	}
}

func parseData(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		if !strings.HasPrefix(trimmed, "0x") {
			return nil, xerrors.New(xerrors.CodeMalformedInput, "data 必须是 0x 前缀的十六进制")
		}
		data, err := hexutil.Decode(trimmed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMalformedInput, err, "解析 data 失败")
		}
		return data, nil
	default:
		return nil, xerrors.New(xerrors.CodeMalformedInput, fmt.Sprintf("不支持的 data 类型: %T", raw))
	}
}

var _ Client = (*LocalSigner)(nil)
