package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kodu/internal/config"
	"kodu/internal/master/api"
	"kodu/internal/master/registry"
	"kodu/internal/master/scheduler"
	"kodu/internal/master/study"
	"kodu/pkg/ledger"
	"kodu/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("c", "master.ini", "path to the master config file")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadMaster(config.ResolvePath(*configPath, config.MasterConfigEnv))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Study 元数据
	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open study store", zap.Error(err))
	}
	defer st.Close()

	// 3. Trial 账本
	l, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open trial ledger", zap.Error(err))
	}
	defer l.Close()

	// 4. 组装服务 (依赖注入)
	policy, err := scheduler.NewPolicy(cfg.Scheduler.Policy)
	if err != nil {
		logger.Fatal("Invalid scheduler policy", zap.Error(err))
	}
	reg := registry.New(registry.Options{
		LedgerURL:       cfg.BaseURL() + "/ledger",
		PingInterval:    time.Duration(cfg.Cluster.PingIntervalSeconds) * time.Second,
		LogPollInterval: cfg.Cluster.LogPollInterval,
	}, logger)
	studies := study.NewService(st, l, cfg.Store.DataDir, logger)
	sched := scheduler.NewScheduler(st, policy, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.New(reg, studies, sched, l, logger).Router(),
	}

	// 5. 启动 API Server
	go func() {
		logger.Info("master listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Backend),
			zap.String("ledger", cfg.Ledger.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// 6. 优雅退出
	<-ctx.Done()
	logger.Info("Shutting down master...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(cfg *config.MasterConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.Backend == "etcd" {
		return store.NewEtcdStore(cfg.Store.EtcdEndpoints, cfg.Store.DialTimeout, logger)
	}
	return store.NewFileStore(cfg.Store.DataDir)
}

func openLedger(ctx context.Context, cfg *config.MasterConfig) (ledger.Ledger, error) {
	if cfg.Ledger.Backend == "memory" {
		return ledger.NewMemory(), nil
	}
	path := cfg.Ledger.Path
	if path == "" {
		path = filepath.Join(cfg.Store.DataDir, "ledger.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return ledger.OpenSQLite(ctx, path)
}
