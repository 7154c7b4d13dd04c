package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"kodu/pkg/model"
)

// ErrPruned Objective 返回它表示 Trial 被剪枝
var ErrPruned = errors.New("trial pruned")

// Objective 用户目标函数：每个方向返回一个值
type Objective func(ctx context.Context, trial *Trial) ([]float64, error)

// 终态写入使用独立的超时，Worker 关闭时也尽量把结果落到 Ledger
const finishTimeout = 10 * time.Second

type Study struct {
	id         int64
	name       string
	directions []model.Direction

	storage Storage
	sampler Sampler
	logger  *zap.Logger
}

type Option func(*Study)

func WithSampler(s Sampler) Option {
	return func(st *Study) { st.sampler = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(st *Study) { st.logger = l }
}

// LoadStudy 通过 Storage 解析名字和方向，Study 必须已经存在
func LoadStudy(ctx context.Context, name string, storage Storage, opts ...Option) (*Study, error) {
	id, err := storage.GetStudyIDFromName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load study %s: %w", name, err)
	}
	directions, err := storage.GetStudyDirections(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load study %s directions: %w", name, err)
	}

	s := &Study{
		id:         id,
		name:       name,
		directions: directions,
		storage:    storage,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sampler == nil {
		s.sampler = NewRandomSampler(uint64(time.Now().UnixNano()))
	}
	s.logger = s.logger.With(zap.String("study", name))
	return s, nil
}

func (s *Study) ID() int64                     { return s.id }
func (s *Study) Name() string                  { return s.name }
func (s *Study) Directions() []model.Direction { return append([]model.Direction(nil), s.directions...) }

// Optimize 串行跑 n 个 Trial。Objective 的错误不会中断循环，
// Storage 错误 (结果未知) 会立即返回。
func (s *Study) Optimize(ctx context.Context, objective Objective, n int) error {
	var objErrs []error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.RunTrial(ctx, objective)
		var se *StorageError
		if errors.As(err, &se) {
			return err
		}
		if err != nil {
			objErrs = append(objErrs, err)
		}
	}
	return errors.Join(objErrs...)
}

// StorageError 和 Ledger 交互失败，区别于 Objective 本身失败
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// RunTrial 创建 Trial -> 执行 Objective -> 写终态。
// 终态写入被拒绝 (别的写者先到) 只记日志，不会拿本地状态重试。
func (s *Study) RunTrial(ctx context.Context, objective Objective) (*FrozenTrial, error) {
	// 1. 分配 Trial (非幂等，不重试)
	trialID, err := s.storage.CreateNewTrial(ctx, s.id)
	if err != nil {
		return nil, &StorageError{Op: "create trial", Err: err}
	}
	created, err := s.storage.GetTrial(ctx, trialID)
	if err != nil {
		// 已分配的 Trial 不能一直停在 running
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		_, _ = s.storage.SetTrialStateValues(finishCtx, trialID, model.TrialFail, nil)
		return nil, &StorageError{Op: "read trial", Err: err}
	}

	trial := &Trial{study: s, id: trialID, number: created.Number, suggested: make(map[string]float64)}
	logger := s.logger.With(zap.Int64("trial", trialID), zap.Int("number", created.Number))
	logger.Info("trial started")

	// 2. 执行 Objective
	values, objErr := objective(ctx, trial)

	// 3. 决定终态
	state := model.TrialComplete
	switch {
	case errors.Is(objErr, ErrPruned):
		state, values = model.TrialPruned, nil
	case objErr != nil:
		state, values = model.TrialFail, nil
	default:
		if err := s.checkValues(values); err != nil {
			objErr = err
			state, values = model.TrialFail, nil
		}
	}

	// 4. 写终态
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	applied, err := s.storage.SetTrialStateValues(finishCtx, trialID, state, values)
	if err != nil {
		return nil, &StorageError{Op: "finish trial", Err: err}
	}
	if !applied {
		logger.Warn("terminal write declined, trial was already finished by another writer",
			zap.String("state", string(state)))
	} else if objErr != nil && state == model.TrialFail {
		logger.Warn("trial failed", zap.Error(objErr))
	} else {
		logger.Info("trial finished", zap.String("state", string(state)), zap.Float64s("values", values))
	}

	frozen, err := s.storage.GetTrial(finishCtx, trialID)
	if err != nil {
		return nil, &StorageError{Op: "read trial", Err: err}
	}
	if state == model.TrialPruned {
		return frozen, nil
	}
	return frozen, objErr
}

func (s *Study) checkValues(values []float64) error {
	if len(values) != len(s.directions) {
		return fmt.Errorf("objective returned %d values, study has %d directions", len(values), len(s.directions))
	}
	for i, v := range values {
		if math.IsNaN(v) {
			return fmt.Errorf("objective value %d is NaN", i)
		}
	}
	return nil
}

// Trials 读取 Study 的全部 Trial
func (s *Study) Trials(ctx context.Context, states ...model.TrialState) ([]*FrozenTrial, error) {
	return s.storage.GetAllTrials(ctx, s.id, states...)
}

// BestTrial 只支持单目标
func (s *Study) BestTrial(ctx context.Context) (*FrozenTrial, error) {
	if len(s.directions) != 1 {
		return nil, fmt.Errorf("study %s has %d objectives, best trial is only defined for one", s.name, len(s.directions))
	}
	trials, err := s.Trials(ctx, model.TrialComplete)
	if err != nil {
		return nil, err
	}
	var best *FrozenTrial
	for _, t := range trials {
		if len(t.Values) != 1 {
			continue
		}
		if best == nil || better(s.directions[0], t.Values[0], best.Values[0]) {
			best = t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("study %s has no completed trials", s.name)
	}
	return best, nil
}

func better(d model.Direction, a, b float64) bool {
	if d == model.Maximize {
		return a > b
	}
	return a < b
}
