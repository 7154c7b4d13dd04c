package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	forwardBuffer  = 1024
	forwardRate    = 20 // 每秒最多发送的行数
	forwardTimeout = 5 * time.Second
)

// LogSender 把一行日志发到 Master
type LogSender interface {
	AppendLog(ctx context.Context, nodeID, content string) error
}

// Forwarder 把 Objective 的输出异步转发给 Master。
// 缓冲满时丢弃新行，发送失败只记日志。
type Forwarder struct {
	sender  LogSender
	nodeID  string
	limiter *rate.Limiter
	lines   chan string
	logger  *zap.Logger
}

func NewForwarder(sender LogSender, nodeID string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		sender:  sender,
		nodeID:  nodeID,
		limiter: rate.NewLimiter(rate.Limit(forwardRate), forwardRate),
		lines:   make(chan string, forwardBuffer),
		logger:  logger,
	}
}

// Log 实现 executor.LogSink，不阻塞
func (f *Forwarder) Log(line string) {
	select {
	case f.lines <- line:
	default:
		f.logger.Debug("log buffer full, dropping line")
	}
}

// Run 阻塞直到 ctx 取消
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-f.lines:
			if err := f.limiter.Wait(ctx); err != nil {
				return nil
			}
			sendCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
			if err := f.sender.AppendLog(sendCtx, f.nodeID, line); err != nil && ctx.Err() == nil {
				f.logger.Warn("forward log failed", zap.String("node", f.nodeID), zap.Error(err))
			}
			cancel()
		}
	}
}
