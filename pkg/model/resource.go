package model

// Capabilities 节点的静态资源视图，注册时上报一次
type Capabilities struct {
	CPUCount int     `json:"cpu_count"`
	MemoryGB float64 `json:"memory_gb"`
	Hostname string  `json:"hostname"`
}
