package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"kodu/internal/client"
	"kodu/internal/config"
	"kodu/internal/worker"
	"kodu/internal/worker/executor"
)

func main() {
	configPath := flag.String("c", "worker.ini", "path to the worker config file")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadWorker(config.ResolvePath(*configPath, config.WorkerConfigEnv))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. 初始化执行器
	var runner executor.Runner
	switch cfg.Executor.Runtime {
	case "docker":
		dr, err := executor.NewDockerRunner(cfg.Executor.Image, cfg.Executor.Interpreter, logger)
		if err != nil {
			logger.Fatal("Failed to init docker executor", zap.Error(err))
		}
		defer dr.Close()
		runner = dr
	default:
		runner = executor.NewProcessRunner(cfg.Executor.Interpreter)
	}

	// 3. 初始化 Worker Agent
	caps := worker.LocalCapabilities(logger)
	agent := worker.NewAgent(
		client.New(cfg.Orchestrator.URL, cfg.Orchestrator.Timeout, logger),
		worker.Options{
			NodeID:        worker.NewNodeID(caps.Hostname),
			Capabilities:  caps,
			DataDir:       cfg.Worker.DataDir,
			PollInterval:  cfg.Worker.PollInterval,
			HeartbeatTick: cfg.Worker.HeartbeatTick,
			Runner:        runner,
			LedgerTimeout: cfg.Orchestrator.Timeout,
		},
		logger,
	)

	// 4. 启动 Agent，收到信号后注销退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting",
		zap.String("node", agent.ID()),
		zap.String("master", cfg.Orchestrator.URL),
		zap.String("runtime", cfg.Executor.Runtime))
	if err := agent.Run(ctx); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("Shutting down worker...")
}
