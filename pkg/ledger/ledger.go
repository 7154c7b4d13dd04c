// Package ledger 是 Trial 状态的权威记录。
//
// 服务端实现 (Memory / SQLite) 由 Master 持有并通过 /ledger 接口暴露；
// Remote 是 Worker 端的桥接器，把引擎的 Storage 调用翻译成网络请求。
// 唯一的一致性保证：同一个 Trial 的第一次终态写入生效，之后的写入被拒绝 (返回 false)。
package ledger

import (
	"context"
	"math"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

type Ledger interface {
	// CreateStudy 按名字幂等，已存在时返回已有 id
	CreateStudy(ctx context.Context, name string, directions []model.Direction) (int64, error)
	StudyID(ctx context.Context, name string) (int64, error)
	StudyName(ctx context.Context, studyID int64) (string, error)
	Directions(ctx context.Context, studyID int64) ([]model.Direction, error)

	// CreateTrial 分配严格递增且不复用的 id，新 Trial 处于 running 状态
	CreateTrial(ctx context.Context, studyID int64) (int64, error)
	// SetParam 同一 (trial, name) 后写覆盖先写
	SetParam(ctx context.Context, trialID int64, name string, value float64, distribution string) error
	// SetStateValues applied=false 表示 Trial 已是终态，更新被拒绝
	SetStateValues(ctx context.Context, trialID int64, state model.TrialState, values []float64) (applied bool, err error)

	Trial(ctx context.Context, trialID int64) (model.Trial, error)
	Trials(ctx context.Context, studyID int64) ([]model.Trial, error)

	Close() error
}

func validateDirections(name string, directions []model.Direction) error {
	if name == "" {
		return errdefs.Invalidf("study name is required")
	}
	if len(directions) == 0 {
		return errdefs.Invalidf("study %s needs at least one direction", name)
	}
	for _, d := range directions {
		if !d.Valid() {
			return errdefs.Invalidf("study %s: invalid direction %q", name, d)
		}
	}
	return nil
}

// validateParam 描述符必须能还原成分布，值必须落在分布内
func validateParam(name string, value float64, distribution string) error {
	if name == "" {
		return errdefs.Invalidf("param name is required")
	}
	dist, err := model.DistributionFromJSON(distribution)
	if err != nil {
		return errdefs.Invalidf("param %s: %v", name, err)
	}
	if !dist.Contains(value) {
		return errdefs.Invalidf("param %s: value %v is outside its distribution", name, value)
	}
	return nil
}

// checkTransition 判断 current -> next 是否生效。
// 已是终态 => (false, nil)；非法请求 => error。
func checkTransition(current, next model.TrialState, values []float64, nDirections int) (bool, error) {
	if !next.Valid() {
		return false, errdefs.Invalidf("unknown trial state %q", next)
	}
	if current.IsFinished() {
		return false, nil
	}

	switch next {
	case model.TrialWaiting:
		return false, errdefs.Invalidf("trial cannot move back to waiting")
	case model.TrialRunning:
		if len(values) > 0 {
			return false, errdefs.Invalidf("running trial cannot carry values")
		}
		// running -> running 不算一次更新
		return current == model.TrialWaiting, nil
	case model.TrialComplete:
		if len(values) != nDirections {
			return false, errdefs.Invalidf("complete needs %d values, got %d", nDirections, len(values))
		}
	case model.TrialPruned:
		if len(values) != 0 && len(values) != nDirections {
			return false, errdefs.Invalidf("pruned trial carries %d values, study has %d directions", len(values), nDirections)
		}
	case model.TrialFail:
		if len(values) != 0 {
			return false, errdefs.Invalidf("failed trial cannot carry values")
		}
	}
	for _, v := range values {
		if math.IsNaN(v) {
			return false, errdefs.Invalidf("trial values cannot be NaN")
		}
	}
	return true, nil
}
