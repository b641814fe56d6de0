package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentFi-Mesh/internal/api"
	"AgentFi-Mesh/internal/bus"
	"AgentFi-Mesh/internal/config"
	"AgentFi-Mesh/internal/evaluator"
	"AgentFi-Mesh/internal/executor"
	"AgentFi-Mesh/internal/gate"
	"AgentFi-Mesh/internal/history"
	"AgentFi-Mesh/internal/observability/alerting"
	"AgentFi-Mesh/internal/orchestrator"
	"AgentFi-Mesh/internal/risk"
	"AgentFi-Mesh/pkg/logger"
)

// main 是 AgentFi-Mesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentfid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTFI_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentfi.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 风险规则在启动阶段加载，非法规则直接让进程退出。
	rules, err := risk.LoadRules(cfg.Rules.Path)
	if err != nil {
		return err
	}
	engine, err := risk.NewEngine(rules)
	if err != nil {
		return err
	}

	messageBus, err := createBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := messageBus.Close(); err != nil {
			log.Printf("关闭消息总线失败: %v", err)
		}
	}()

	store, err := createHistoryStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	execClient, execCloser, err := createExecutor(ctx, cfg)
	if err != nil {
		return err
	}
	if execCloser != nil {
		defer execCloser()
	}

	replyWait := time.Duration(cfg.Reply.AttemptWaitMS) * time.Millisecond
	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	orch := orchestrator.New(messageBus, orchestrator.Addresses{
		Inbox:    cfg.Addresses.Orchestrator,
		ReplyBox: cfg.Addresses.Orchestrator + ".replies",
		Risk:     cfg.Addresses.Risk,
		Yield:    cfg.Addresses.Yield,
	},
		orchestrator.WithReplyBudget(cfg.Reply.Attempts, replyWait),
		orchestrator.WithHistory(store),
	)

	execGate := gate.New(messageBus, gate.Addresses{
		Inbox:    cfg.Addresses.Gate,
		ReplyBox: cfg.Addresses.Gate + ".replies",
		Risk:     cfg.Addresses.Risk,
		Yield:    cfg.Addresses.Yield,
	}, execClient,
		gate.WithReplyBudget(cfg.Reply.Attempts, replyWait),
		gate.WithHistory(store),
		gate.WithAlerts(alerts),
	)

	// 编排器与闸门处理请求时会阻塞等待评估器应答，必须多协程消费，
	// 否则并发请求会彼此串行。两个评估器本身是纯计算，单协程足够。
	runners := []*evaluator.Runner{
		evaluator.NewRunner(messageBus, cfg.Addresses.Risk, evaluator.NewRiskEvaluator(engine).Handle),
		evaluator.NewRunner(messageBus, cfg.Addresses.Yield, evaluator.NewYieldEvaluator().Handle),
		evaluator.NewRunner(messageBus, cfg.Addresses.Orchestrator, orch.Handle,
			evaluator.WithWorkers(cfg.Runtime.Workers)),
		evaluator.NewRunner(messageBus, cfg.Addresses.Gate, execGate.Handle,
			evaluator.WithWorkers(cfg.Runtime.Workers)),
	}

	runnerCtx, cancelRunners := context.WithCancel(ctx)
	defer cancelRunners()
	for _, runner := range runners {
		go func(r *evaluator.Runner) {
			if err := r.Start(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("消费循环异常退出: %v", err)
			}
		}(runner)
	}

	server := api.NewServer(cfg.Server.Address, messageBus, api.Addresses{
		Orchestrator: cfg.Addresses.Orchestrator,
		Gate:         cfg.Addresses.Gate,
	},
		api.WithReplyBudget(cfg.Reply.Attempts+3, replyWait),
		api.WithHistory(store),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "", "memory":
		return bus.NewMemoryBus(0), nil
	case "redis":
		return bus.NewRedisBus(bus.RedisConfig{
			Address:  cfg.Bus.Redis.Address,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			Prefix:   cfg.Bus.Redis.Prefix,
		})
	case "rabbitmq":
		return bus.NewRabbitMQBus(bus.RabbitMQConfig{
			URL:    cfg.Bus.RabbitMQ.URL,
			Prefix: cfg.Bus.RabbitMQ.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的总线驱动: %s", cfg.Bus.Driver)
	}
}

func createHistoryStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Driver {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "mysql":
		return history.NewMySQLStore(cfg.History.DSN)
	default:
		return nil, fmt.Errorf("未知的历史存储驱动: %s", cfg.History.Driver)
	}
}

func createExecutor(ctx context.Context, cfg *config.Config) (executor.Client, func(), error) {
	switch cfg.Executor.Mode {
	case "", "http":
		client, err := executor.NewHTTPClient(cfg.Executor.Endpoint,
			time.Duration(cfg.Executor.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	case "signer":
		signer, err := executor.NewLocalSigner(ctx, executor.SignerConfig{
			PrivateKeyHex: cfg.Executor.Signer.PrivateKeyHex,
			ChainID:       cfg.Executor.Signer.ChainID,
			RPCURL:        cfg.Executor.Signer.RPCURL,
			Broadcast:     cfg.Executor.Signer.Broadcast,
			GasLimit:      cfg.Executor.Signer.GasLimit,
			GasPriceWei:   cfg.Executor.Signer.GasPriceWei,
		})
		if err != nil {
			return nil, nil, err
		}
		return signer, signer.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的执行器模式: %s", cfg.Executor.Mode)
	}
}
