package model

// Master HTTP 接口的请求 / 回复体

type RegisterRequest struct {
	NodeID       string       `json:"nodeId"`
	Capabilities Capabilities `json:"capabilities"`
}

type PingRequest struct {
	NodeID         string     `json:"nodeId"`
	Status         NodeStatus `json:"status"`
	CurrentTrialID *int64     `json:"currentTrialId"`
}

type LogUpdate struct {
	Content string `json:"content"`
}

type CreateStudyRequest struct {
	Name              string      `json:"name"`
	Direction         []Direction `json:"direction"`
	ObjectiveFile     string      `json:"objectiveFile"`
	ObjectiveFunction string      `json:"objectiveFunction"`
}

// Study 转成待创建的 Study
func (r CreateStudyRequest) Study() Study {
	return Study{
		Name:              r.Name,
		Direction:         r.Direction,
		ObjectiveFile:     r.ObjectiveFile,
		ObjectiveFunction: r.ObjectiveFunction,
	}
}

type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse 所有非 2xx 回复的统一格式
type ErrorResponse struct {
	Detail string `json:"detail"`
}
