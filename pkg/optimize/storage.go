// Package optimize 是 Worker 端的优化引擎：按 define-by-run 的方式驱动 Trial，
// 所有状态读写都经过 Storage 接口 (通常是 ledger.Remote，一次调用一次网络往返)。
package optimize

import (
	"context"
	"fmt"
	"time"

	"kodu/pkg/model"
)

// Storage 引擎期望的存储契约。
// 实现可以只覆盖其中一部分，其余方法返回 errdefs Unsupported。
type Storage interface {
	// --- Study 相关 ---
	CreateNewStudy(ctx context.Context, directions []model.Direction, name string) (int64, error)
	DeleteStudy(ctx context.Context, studyID int64) error
	SetStudyUserAttr(ctx context.Context, studyID int64, key string, value any) error
	SetStudySystemAttr(ctx context.Context, studyID int64, key string, value any) error
	GetStudyIDFromName(ctx context.Context, name string) (int64, error)
	GetStudyNameFromID(ctx context.Context, studyID int64) (string, error)
	GetStudyDirections(ctx context.Context, studyID int64) ([]model.Direction, error)
	GetStudyUserAttrs(ctx context.Context, studyID int64) (map[string]any, error)
	GetStudySystemAttrs(ctx context.Context, studyID int64) (map[string]any, error)
	GetAllStudies(ctx context.Context) ([]FrozenStudy, error)

	// --- Trial 相关 ---

	// CreateNewTrial 不是幂等的，传输失败时调用方不能盲目重试
	CreateNewTrial(ctx context.Context, studyID int64) (int64, error)
	SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist model.Distribution) error
	// SetTrialStateValues 返回 false 表示更新被拒绝 (Trial 已是终态)，不是错误
	SetTrialStateValues(ctx context.Context, trialID int64, state model.TrialState, values []float64) (bool, error)
	SetTrialIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error
	SetTrialUserAttr(ctx context.Context, trialID int64, key string, value any) error
	SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error
	GetTrial(ctx context.Context, trialID int64) (*FrozenTrial, error)
	GetAllTrials(ctx context.Context, studyID int64, states ...model.TrialState) ([]*FrozenTrial, error)
}

type FrozenStudy struct {
	ID         int64
	Name       string
	Directions []model.Direction
}

// FrozenTrial 引擎侧的 Trial 快照，分布已从描述符重建
type FrozenTrial struct {
	ID      int64
	Number  int
	StudyID int64
	State   model.TrialState
	Values  []float64

	Params         map[string]any     // 外部值
	InternalParams map[string]float64 // 内部值
	Distributions  map[string]model.Distribution

	DatetimeStart    *time.Time
	DatetimeComplete *time.Time
}

// NewFrozenTrial 把 Ledger 记录物化成引擎对象
func NewFrozenTrial(t model.Trial) (*FrozenTrial, error) {
	ft := &FrozenTrial{
		ID:               t.ID,
		Number:           t.Number,
		StudyID:          t.StudyID,
		State:            t.State,
		Values:           append([]float64(nil), t.Values...),
		Params:           make(map[string]any, len(t.Params)),
		InternalParams:   make(map[string]float64, len(t.Params)),
		Distributions:    make(map[string]model.Distribution, len(t.Params)),
		DatetimeStart:    t.DatetimeStart,
		DatetimeComplete: t.DatetimeComplete,
	}
	for name, p := range t.Params {
		dist, err := model.DistributionFromJSON(p.Distribution)
		if err != nil {
			return nil, fmt.Errorf("trial %d param %s: %w", t.ID, name, err)
		}
		ft.Distributions[name] = dist
		ft.InternalParams[name] = p.Value
		ft.Params[name] = dist.ToExternal(p.Value)
	}
	return ft, nil
}
