package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

// DefaultHeartbeatTick 心跳循环的唤醒周期
const DefaultHeartbeatTick = 2500 * time.Millisecond

// Pinger 心跳的发送端
type Pinger interface {
	Ping(ctx context.Context, ping model.PingRequest) error
}

// Heartbeat 以短周期醒来累计时间，累计超过 interval 才真正 ping 一次。
// 这样停止信号最多延迟一个 tick，与 interval 长短无关。
type Heartbeat struct {
	pinger Pinger
	nodeID string
	tick   time.Duration
	logger *zap.Logger

	// onNotFound Master 不认识本节点时调用 (重新注册)
	onNotFound func(ctx context.Context) error

	mu       sync.Mutex
	interval time.Duration
	status   model.NodeStatus
	trial    *int64
	acc      time.Duration
}

func NewHeartbeat(p Pinger, nodeID string, tick, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if tick <= 0 {
		tick = DefaultHeartbeatTick
	}
	return &Heartbeat{
		pinger:   p,
		nodeID:   nodeID,
		tick:     tick,
		interval: interval,
		status:   model.NodeIdle,
		logger:   logger,
	}
}

// SetStatus 更新下一次 ping 携带的状态
func (h *Heartbeat) SetStatus(status model.NodeStatus, trial *int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	if trial != nil {
		t := *trial
		h.trial = &t
	} else {
		h.trial = nil
	}
}

// SetInterval 重新注册后 Master 可能下发新的间隔
func (h *Heartbeat) SetInterval(d time.Duration) {
	h.mu.Lock()
	h.interval = d
	h.mu.Unlock()
}

func (h *Heartbeat) OnNotFound(fn func(ctx context.Context) error) {
	h.onNotFound = fn
}

// Run 阻塞直到 ctx 取消
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.step(ctx)
		}
	}
}

// step 一次唤醒：累计 tick，到点才发送，返回是否发送了 ping
func (h *Heartbeat) step(ctx context.Context) bool {
	h.mu.Lock()
	h.acc += h.tick
	// 累计超过间隔才发送
	if h.acc <= h.interval {
		h.mu.Unlock()
		return false
	}
	h.acc = 0
	req := model.PingRequest{NodeID: h.nodeID, Status: h.status, CurrentTrialID: h.trial}
	h.mu.Unlock()

	err := h.pinger.Ping(ctx, req)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err) && h.onNotFound != nil:
		h.logger.Warn("master does not know this node, registering again", zap.String("node", h.nodeID))
		if err := h.onNotFound(ctx); err != nil {
			h.logger.Warn("re-registration failed", zap.Error(err))
		}
	case ctx.Err() != nil:
	default:
		h.logger.Warn("heartbeat failed", zap.String("node", h.nodeID), zap.Error(err))
	}
	return true
}
