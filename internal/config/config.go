package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentFi-Mesh 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Bus       BusConfig       `json:"bus"`
	Rules     RulesConfig     `json:"rules"`
	Addresses AddressesConfig `json:"addresses"`
	Reply     ReplyConfig     `json:"reply"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Executor  ExecutorConfig  `json:"executor"`
	History   HistoryConfig   `json:"history"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// BusConfig 选择消息总线驱动及其连接信息。
type BusConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 总线驱动的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 总线驱动的连接信息。
type RabbitMQConfig struct {
	URL    string `json:"url"`
	Prefix string `json:"prefix"`
}

// RulesConfig 指向风险规则文件。
type RulesConfig struct {
	Path string `json:"path"`
}

// AddressesConfig 描述各组件在总线上的信箱地址。
type AddressesConfig struct {
	Orchestrator string `json:"orchestrator"`
	Gate         string `json:"gate"`
	Risk         string `json:"risk"`
	Yield        string `json:"yield"`
}

// ReplyConfig 控制等待评估器应答的预算。
type ReplyConfig struct {
	Attempts      int `json:"attempts"`
	AttemptWaitMS int `json:"attempt_wait_ms"`
}

// RuntimeConfig 控制运行时的并发参数。Workers 是编排器与执行闸门
// 各自的消费协程数；两者处理请求时都会阻塞等待评估器应答，
// 单协程会让并发请求串行化。
type RuntimeConfig struct {
	Workers int `json:"workers"`
}

// ExecutorConfig 选择执行协作方的接入方式。
type ExecutorConfig struct {
	Mode      string       `json:"mode"`
	Endpoint  string       `json:"endpoint"`
	TimeoutMS int          `json:"timeout_ms"`
	Signer    SignerConfig `json:"signer"`
}

// SignerConfig 描述本地签名执行器的参数。
type SignerConfig struct {
	PrivateKeyHex string `json:"private_key_hex"`
	ChainID       int64  `json:"chain_id"`
	RPCURL        string `json:"rpc_url"`
	Broadcast     bool   `json:"broadcast"`
	GasLimit      uint64 `json:"gas_limit"`
	GasPriceWei   int64  `json:"gas_price_wei"`
}

// HistoryConfig 选择历史记录存储后端。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LogConfig 控制日志输出行为。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Redis.Address == "" {
		c.Bus.Redis.Address = "127.0.0.1:6379"
	}

	if c.Rules.Path == "" {
		c.Rules.Path = filepath.Join(baseDir, "rules.yaml")
	} else if !filepath.IsAbs(c.Rules.Path) {
		c.Rules.Path = filepath.Join(baseDir, c.Rules.Path)
	}

	if c.Addresses.Orchestrator == "" {
		c.Addresses.Orchestrator = "orchestrator"
	}
	if c.Addresses.Gate == "" {
		c.Addresses.Gate = "execution-gate"
	}
	if c.Addresses.Risk == "" {
		c.Addresses.Risk = "risk-agent"
	}
	if c.Addresses.Yield == "" {
		c.Addresses.Yield = "yield-agent"
	}

	if c.Reply.Attempts <= 0 {
		c.Reply.Attempts = 5
	}
	if c.Reply.AttemptWaitMS <= 0 {
		c.Reply.AttemptWaitMS = 1000
	}

	if c.Runtime.Workers <= 0 {
		c.Runtime.Workers = 4
	}

	if c.Executor.Mode == "" {
		c.Executor.Mode = "http"
	}
	if c.Executor.TimeoutMS <= 0 {
		c.Executor.TimeoutMS = 10000
	}
	if c.Executor.Signer.ChainID == 0 {
		c.Executor.Signer.ChainID = 1
	}

	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}
