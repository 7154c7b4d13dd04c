// Package registry 维护 Master 进程内的 Worker 节点表。
//
// 节点只由自己的 Worker 修改 (register / ping / log)，显式注销时删除，
// 没有过期机制：last_ping 只供观察，不参与调度。
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

const (
	DefaultPingInterval    = 10 * time.Second
	DefaultLogPollInterval = time.Second
)

type Options struct {
	LedgerURL       string        // 注册回复里告诉 Worker 的 Ledger 地址
	PingInterval    time.Duration // Worker 发送心跳的间隔
	LogPollInterval time.Duration // 日志流的轮询间隔
}

type entry struct {
	node model.Node
	// seq 累计追加过的日志行数，日志流据此计算增量
	seq uint64
}

// Registry 所有操作在一把 mutex 下线性化
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*entry

	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Registry {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.LogPollInterval <= 0 {
		opts.LogPollInterval = DefaultLogPollInterval
	}
	return &Registry{
		nodes:  make(map[string]*entry),
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// Register 按 id 幂等：已存在的节点被覆盖为 idle，日志清空
func (r *Registry) Register(nodeID string, caps model.Capabilities) (model.Registration, error) {
	if nodeID == "" {
		return model.Registration{}, errdefs.Invalidf("node id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.nodes[nodeID]
	if !ok {
		e = &entry{}
		r.nodes[nodeID] = e
	} else if e.node.LastPing.After(now) {
		now = e.node.LastPing
	}
	e.node = model.Node{
		ID:           nodeID,
		Capabilities: caps,
		Status:       model.NodeIdle,
		LastPing:     now,
		Logs:         []string{},
	}
	r.logger.Info("node registered",
		zap.String("node", nodeID),
		zap.String("hostname", caps.Hostname),
		zap.Bool("overwrite", ok))

	return model.Registration{
		LedgerURL:           r.opts.LedgerURL,
		PingIntervalSeconds: int(r.opts.PingInterval / time.Second),
	}, nil
}

// Ping 更新心跳。未知节点返回 NotFound，Worker 需要重新注册。
func (r *Registry) Ping(nodeID string, status model.NodeStatus, currentTrial *int64) error {
	if !status.Valid() {
		return errdefs.Invalidf("invalid node status %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return errdefs.NotFoundf("node %s is not registered", nodeID)
	}
	// 时钟回拨时保持 last_ping 不减
	if now := r.now(); now.After(e.node.LastPing) {
		e.node.LastPing = now
	}
	e.node.Status = status
	if currentTrial != nil {
		v := *currentTrial
		e.node.CurrentTrial = &v
	} else {
		e.node.CurrentTrial = nil
	}
	return nil
}

// logTimeLayout 日志行前缀 [YYYY-MM-DD HH:MM:SS]，UTC
const logTimeLayout = "2006-01-02 15:04:05"

// AppendLog 追加一行带时间戳的日志，超过上限时丢弃最旧的
func (r *Registry) AppendLog(nodeID, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return errdefs.NotFoundf("node %s is not registered", nodeID)
	}
	e.node.Logs = append(e.node.Logs, "["+r.now().UTC().Format(logTimeLayout)+"] "+line)
	if over := len(e.node.Logs) - model.MaxNodeLogs; over > 0 {
		e.node.Logs = append(e.node.Logs[:0:0], e.node.Logs[over:]...)
	}
	e.seq++
	return nil
}

// Deregister 重复注销是空操作，返回值表示节点此前是否存在
func (r *Registry) Deregister(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return false
	}
	delete(r.nodes, nodeID)
	r.logger.Info("node deregistered", zap.String("node", nodeID))
	return true
}

func (r *Registry) Get(nodeID string) (model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return model.Node{}, errdefs.NotFoundf("node %s is not registered", nodeID)
	}
	return cloneNode(e.node), nil
}

// List 按 id 排序的快照
func (r *Registry) List() []model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, cloneNode(e.node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StreamLogs 从当前末尾开始，每个轮询周期推送一批新日志。
// ctx 取消或节点被注销时 channel 关闭。
func (r *Registry) StreamLogs(ctx context.Context, nodeID string) (<-chan []string, error) {
	r.mu.Lock()
	e, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return nil, errdefs.NotFoundf("node %s is not registered", nodeID)
	}
	cursor := e.seq
	r.mu.Unlock()

	out := make(chan []string)
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.opts.LogPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			batch, next, alive := r.since(nodeID, cursor)
			if !alive {
				return
			}
			cursor = next
			if len(batch) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// since 返回 cursor 之后追加的行；已被淘汰的行直接跳过
func (r *Registry) since(nodeID string, cursor uint64) ([]string, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return nil, cursor, false
	}
	n := e.seq - cursor
	if n == 0 {
		return nil, cursor, true
	}
	if n > uint64(len(e.node.Logs)) {
		n = uint64(len(e.node.Logs))
	}
	batch := append([]string(nil), e.node.Logs[len(e.node.Logs)-int(n):]...)
	return batch, e.seq, true
}

func cloneNode(n model.Node) model.Node {
	logs := make([]string, len(n.Logs))
	copy(logs, n.Logs)
	n.Logs = logs
	if n.CurrentTrial != nil {
		v := *n.CurrentTrial
		n.CurrentTrial = &v
	}
	return n
}
