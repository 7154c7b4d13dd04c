// Package config 读取 Master / Worker 的 ini 配置并构造 logger
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	ini "gopkg.in/ini.v1"
)

const (
	MasterConfigEnv = "KODU_MASTER_CONFIG"
	WorkerConfigEnv = "KODU_WORKER_CONFIG"
)

type MasterConfig struct {
	Server    ServerConfig    `ini:"server"`
	Store     StoreConfig     `ini:"store"`
	Ledger    LedgerConfig    `ini:"ledger"`
	Cluster   ClusterConfig   `ini:"cluster"`
	Scheduler SchedulerConfig `ini:"scheduler"`
	Log       LogConfig       `ini:"log"`
}

type ServerConfig struct {
	Host string `ini:"host"`
	Port int    `ini:"port"`
	// PublicURL Worker 访问 Master 的地址，为空时由 host:port 推出
	PublicURL string `ini:"public_url"`
}

type StoreConfig struct {
	Backend       string        `ini:"backend"` // file | etcd
	DataDir       string        `ini:"data_dir"`
	EtcdEndpoints []string      `ini:"etcd_endpoints" delim:","`
	DialTimeout   time.Duration `ini:"dial_timeout"`
}

type LedgerConfig struct {
	Backend string `ini:"backend"` // sqlite | memory
	Path    string `ini:"path"`    // 为空时使用 <data_dir>/ledger.db
}

type ClusterConfig struct {
	PingIntervalSeconds int           `ini:"ping_interval_seconds"`
	LogPollInterval     time.Duration `ini:"log_poll_interval"`
}

type SchedulerConfig struct {
	Policy string `ini:"policy"` // random | round_robin
}

type LogConfig struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // json | console
}

type WorkerConfig struct {
	Orchestrator OrchestratorConfig `ini:"orchestrator"`
	Worker       WorkerSection      `ini:"worker"`
	Executor     ExecutorConfig     `ini:"executor"`
	Log          LogConfig          `ini:"log"`
}

type OrchestratorConfig struct {
	URL     string        `ini:"url"`
	Timeout time.Duration `ini:"timeout"`
}

type WorkerSection struct {
	DataDir       string        `ini:"data_dir"`
	PollInterval  time.Duration `ini:"poll_interval"`
	HeartbeatTick time.Duration `ini:"heartbeat_tick"`
}

type ExecutorConfig struct {
	Runtime     string `ini:"runtime"` // process | docker
	Interpreter string `ini:"interpreter"`
	Image       string `ini:"image"`
}

func DefaultMaster() *MasterConfig {
	return &MasterConfig{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Store: StoreConfig{
			Backend:       "file",
			DataDir:       "./data",
			EtcdEndpoints: []string{"localhost:2379"},
			DialTimeout:   5 * time.Second,
		},
		Ledger:    LedgerConfig{Backend: "sqlite"},
		Cluster:   ClusterConfig{PingIntervalSeconds: 10, LogPollInterval: time.Second},
		Scheduler: SchedulerConfig{Policy: "random"},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

func DefaultWorker() *WorkerConfig {
	return &WorkerConfig{
		Orchestrator: OrchestratorConfig{URL: "http://localhost:8000", Timeout: 30 * time.Second},
		Worker: WorkerSection{
			DataDir:       "./worker-data",
			PollInterval:  15 * time.Second,
			HeartbeatTick: 2500 * time.Millisecond,
		},
		Executor: ExecutorConfig{Runtime: "process", Interpreter: "python3", Image: "python:3.11-slim"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// ResolvePath 环境变量优先于命令行默认值
func ResolvePath(flagValue, env string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return flagValue
}

// LoadMaster 文件不存在时只使用默认值
func LoadMaster(path string) (*MasterConfig, error) {
	cfg := DefaultMaster()
	if err := load(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := DefaultWorker()
	if err := load(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(v any, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := ini.MapTo(v, path); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

func (c *MasterConfig) Validate() error {
	switch c.Store.Backend {
	case "file", "etcd":
	default:
		return fmt.Errorf("store.backend must be file or etcd, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "etcd" && len(c.Store.EtcdEndpoints) == 0 {
		return fmt.Errorf("store.etcd_endpoints is required for the etcd backend")
	}
	switch c.Ledger.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("ledger.backend must be sqlite or memory, got %q", c.Ledger.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Cluster.PingIntervalSeconds <= 0 {
		return fmt.Errorf("cluster.ping_interval_seconds must be positive")
	}
	return nil
}

// ListenAddr gin 监听地址
func (c *MasterConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL 返回给 Worker 的外部地址
func (c *MasterConfig) BaseURL() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

func (c *WorkerConfig) Validate() error {
	if c.Orchestrator.URL == "" {
		return fmt.Errorf("orchestrator.url is required")
	}
	switch c.Executor.Runtime {
	case "process", "docker":
	default:
		return fmt.Errorf("executor.runtime must be process or docker, got %q", c.Executor.Runtime)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.HeartbeatTick <= 0 {
		return fmt.Errorf("worker.poll_interval and worker.heartbeat_tick must be positive")
	}
	return nil
}
