package model

import "time"

// TrialState Trial 状态机: waiting -> running -> complete|fail|pruned
type TrialState string

const (
	TrialWaiting  TrialState = "waiting"
	TrialRunning  TrialState = "running"
	TrialComplete TrialState = "complete"
	TrialFail     TrialState = "fail"
	TrialPruned   TrialState = "pruned"
)

func (s TrialState) Valid() bool {
	switch s {
	case TrialWaiting, TrialRunning, TrialComplete, TrialFail, TrialPruned:
		return true
	}
	return false
}

// IsFinished 终态一旦写入就不再改变
func (s TrialState) IsFinished() bool {
	return s == TrialComplete || s == TrialFail || s == TrialPruned
}

// TrialParam 参数的内部值 + 采样分布的序列化描述
type TrialParam struct {
	Value        float64 `json:"value"`
	Distribution string  `json:"distribution"`
}

// Trial Ledger 中的权威记录
type Trial struct {
	ID      int64 `json:"id"`     // 全局单调递增，永不复用
	Number  int   `json:"number"` // Study 内序号，从 0 开始
	StudyID int64 `json:"study_id"`

	State  TrialState            `json:"state"`
	Params map[string]TrialParam `json:"params"`
	Values []float64             `json:"values,omitempty"` // 只有终态才有

	DatetimeStart    *time.Time `json:"datetime_start,omitempty"`
	DatetimeComplete *time.Time `json:"datetime_complete,omitempty"`
}

// Clone 深拷贝
func (t Trial) Clone() Trial {
	params := make(map[string]TrialParam, len(t.Params))
	for k, v := range t.Params {
		params[k] = v
	}
	t.Params = params
	if t.Values != nil {
		t.Values = append([]float64(nil), t.Values...)
	}
	if t.DatetimeStart != nil {
		ts := *t.DatetimeStart
		t.DatetimeStart = &ts
	}
	if t.DatetimeComplete != nil {
		tc := *t.DatetimeComplete
		t.DatetimeComplete = &tc
	}
	return t
}
