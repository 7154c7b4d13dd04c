// Package worker 实现 Worker 端的集群控制器：注册、心跳、轮询、认领并执行 Trial。
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kodu/internal/worker/bundle"
	"kodu/internal/worker/executor"
	"kodu/pkg/errdefs"
	"kodu/pkg/ledger"
	"kodu/pkg/model"
	"kodu/pkg/optimize"
)

const (
	DefaultPollInterval = 15 * time.Second
	teardownTimeout     = 5 * time.Second
)

// State Agent 的生命周期状态
type State string

const (
	StateUnregistered State = "unregistered"
	StateIdle         State = "idle"
	StateClaimed      State = "claimed"
	StateTornDown     State = "torn_down"
)

// Orchestrator Agent 需要的 Master 接口，由 client.Client 实现
type Orchestrator interface {
	Register(ctx context.Context, nodeID string, caps model.Capabilities) (model.Registration, error)
	Ping(ctx context.Context, ping model.PingRequest) error
	Deregister(ctx context.Context, nodeID string) error
	AppendLog(ctx context.Context, nodeID, content string) error
	RequestStudy(ctx context.Context) (model.Study, error)
	DownloadCodebase(ctx context.Context, name string, w io.Writer) error
}

// StorageFactory 根据注册时拿到的 ledger 地址构造引擎的存储
type StorageFactory func(ledgerURL string) optimize.Storage

type Options struct {
	NodeID        string
	Capabilities  model.Capabilities
	DataDir       string
	PollInterval  time.Duration
	HeartbeatTick time.Duration
	Runner        executor.Runner
	Storage       StorageFactory
	LedgerTimeout time.Duration // 默认存储的单次请求超时，0 用 ledger 的默认值
}

type Agent struct {
	opts      Options
	orch      Orchestrator
	cache     *bundle.Cache
	forwarder *Forwarder
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	reg       model.Registration
	heartbeat *Heartbeat
}

func NewAgent(orch Orchestrator, opts Options, logger *zap.Logger) *Agent {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HeartbeatTick <= 0 {
		opts.HeartbeatTick = DefaultHeartbeatTick
	}
	logger = logger.With(zap.String("node", opts.NodeID))
	if opts.Storage == nil {
		ropts := []ledger.RemoteOption{ledger.WithRemoteLogger(logger)}
		if opts.LedgerTimeout > 0 {
			ropts = append(ropts, ledger.WithTimeout(opts.LedgerTimeout))
		}
		opts.Storage = func(url string) optimize.Storage {
			return ledger.NewRemote(url, ropts...)
		}
	}
	return &Agent{
		opts:      opts,
		orch:      orch,
		cache:     bundle.NewCache(opts.DataDir, orch, logger),
		forwarder: NewForwarder(orch, opts.NodeID, logger),
		logger:    logger,
		state:     StateUnregistered,
	}
}

func (a *Agent) ID() string { return a.opts.NodeID }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) registration() model.Registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg
}

// Run 注册后启动心跳、日志转发和轮询，阻塞直到 ctx 取消。
// 注册失败直接返回错误，由调用方决定退出。
func (a *Agent) Run(ctx context.Context) error {
	// 1. 注册
	reg, err := a.orch.Register(ctx, a.opts.NodeID, a.opts.Capabilities)
	if err != nil {
		a.setState(StateTornDown)
		return fmt.Errorf("register node %s: %w", a.opts.NodeID, err)
	}
	hb := NewHeartbeat(a.orch, a.opts.NodeID, a.opts.HeartbeatTick, reg.PingInterval(), a.logger)
	hb.OnNotFound(a.reregister)

	a.mu.Lock()
	a.reg = reg
	a.heartbeat = hb
	a.state = StateIdle
	a.mu.Unlock()
	a.logger.Info("node registered",
		zap.String("ledger", reg.LedgerURL),
		zap.Duration("ping_interval", reg.PingInterval()))

	// 2. 后台活动，全部随 ctx 退出
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hb.Run(gctx) })
	g.Go(func() error { return a.forwarder.Run(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	err = g.Wait()

	// 3. 心跳已停止，注销
	a.teardown()
	return err
}

func (a *Agent) reregister(ctx context.Context) error {
	reg, err := a.orch.Register(ctx, a.opts.NodeID, a.opts.Capabilities)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.reg = reg
	hb := a.heartbeat
	a.mu.Unlock()
	hb.SetInterval(reg.PingInterval())
	a.logger.Info("node registered again")
	return nil
}

func (a *Agent) teardown() {
	defer a.setState(StateTornDown)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	err := a.orch.Deregister(ctx, a.opts.NodeID)
	switch {
	case err == nil:
		a.logger.Info("node deregistered")
	case errdefs.IsNotFound(err):
		a.logger.Info("node already absent from master")
	default:
		a.logger.Warn("deregister failed", zap.Error(err))
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		st, err := a.orch.RequestStudy(ctx)
		switch {
		case err == nil:
			if a.runClaim(ctx, st) {
				continue
			}
			// 认领后失败 (代码包坏了、ledger 不通) 同样按轮询间隔退避
		case ctx.Err() != nil:
			return nil
		case errdefs.IsNotFound(err):
			a.logger.Debug("no runnable study")
		default:
			a.logger.Warn("request study failed", zap.Error(err))
		}
		if !sleep(ctx, a.opts.PollInterval) {
			return nil
		}
	}
}

// runClaim 认领 Study 跑一个 Trial，任何错误都只记日志。
// 返回 false 表示没能把 Trial 跑完 (基础设施错误或 panic)。
func (a *Agent) runClaim(ctx context.Context, st model.Study) (ok bool) {
	a.setState(StateClaimed)
	a.heartbeat.SetStatus(model.NodeRunning, nil)
	logger := a.logger.With(zap.String("study", st.Name))
	logger.Info("study claimed")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("trial execution panicked", zap.Any("panic", r))
			ok = false
		}
		a.heartbeat.SetStatus(model.NodeIdle, nil)
		a.setState(StateIdle)
		logger.Info("study released")
	}()

	if err := a.execute(ctx, st, logger); err != nil {
		logger.Error("trial execution failed", zap.Error(err))
		return false
	}
	return true
}

func (a *Agent) execute(ctx context.Context, st model.Study, logger *zap.Logger) error {
	// 1. 代码包
	dir, err := a.cache.Ensure(ctx, st.Name)
	if err != nil {
		return fmt.Errorf("ensure bundle: %w", err)
	}

	// 2. 引擎连接远端 ledger
	study, err := optimize.LoadStudy(ctx, st.Name, a.opts.Storage(a.registration().LedgerURL),
		optimize.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("load study: %w", err)
	}

	// 3. 跑一个 Trial
	objective := executor.Objective(a.opts.Runner, st, dir, a.forwarder, logger)
	err = study.Optimize(ctx, a.track(objective), 1)
	var se *optimize.StorageError
	if err != nil && !errors.As(err, &se) && ctx.Err() == nil {
		// Objective 自己失败已记为 FAIL，不算执行失败
		logger.Warn("trial failed", zap.Error(err))
		return nil
	}
	return err
}

// track 让心跳在 Trial 运行期间带上 trial id
func (a *Agent) track(objective optimize.Objective) optimize.Objective {
	return func(ctx context.Context, trial *optimize.Trial) ([]float64, error) {
		id := trial.ID()
		a.heartbeat.SetStatus(model.NodeRunning, &id)
		defer a.heartbeat.SetStatus(model.NodeRunning, nil)
		return objective(ctx, trial)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
