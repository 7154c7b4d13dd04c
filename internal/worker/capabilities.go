package worker

import (
	"math"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"kodu/pkg/model"
)

const fallbackHostname = "worker-node"

// LocalCapabilities 采集本机资源，内存读取失败时上报 0
func LocalCapabilities(logger *zap.Logger) model.Capabilities {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fallbackHostname
	}
	caps := model.Capabilities{
		CPUCount: runtime.NumCPU(),
		Hostname: hostname,
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("read memory size failed", zap.Error(err))
		return caps
	}
	caps.MemoryGB = math.Round(float64(vm.Total)/(1<<30)*100) / 100
	return caps
}

// NewNodeID hostname 加 4 位随机后缀，同一台机器可以跑多个 Worker
func NewNodeID(hostname string) string {
	if hostname == "" {
		hostname = fallbackHostname
	}
	return hostname + "-" + uuid.NewString()[:4]
}
