package model

import "time"

// NodeStatus Worker 上报的运行状态
type NodeStatus string

const (
	NodeIdle    NodeStatus = "idle"
	NodeRunning NodeStatus = "running"
)

func (s NodeStatus) Valid() bool {
	return s == NodeIdle || s == NodeRunning
}

// MaxNodeLogs 每个节点最多保留的日志行数 (FIFO 淘汰)
const MaxNodeLogs = 1000

type Node struct {
	ID           string       `json:"id"` // hostname + 随机后缀，由 Worker 自己生成
	Capabilities Capabilities `json:"capabilities"`

	Status       NodeStatus `json:"status"`
	LastPing     time.Time  `json:"last_ping"`               // 只增不减
	CurrentTrial *int64     `json:"current_trial,omitempty"` // 弱引用，只存 trial id
	Logs         []string   `json:"logs"`
}

// Registration Master 对注册请求的回复
type Registration struct {
	LedgerURL           string `json:"ledgerUrl"`
	PingIntervalSeconds int    `json:"pingIntervalSeconds"`
}

// PingInterval 转成 time.Duration
func (r Registration) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalSeconds) * time.Second
}
