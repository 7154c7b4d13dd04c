package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kodu/pkg/model"
	"kodu/pkg/store"
)

// Scheduler 从 Store 中为空闲 Worker 挑一个可运行的 Study
type Scheduler struct {
	store  store.Store // 依赖 Store 接口，不关心是文件还是 Etcd
	policy Policy
	logger *zap.Logger
}

// NewScheduler policy 为 nil 时使用均匀随机
func NewScheduler(s store.Store, policy Policy, logger *zap.Logger) *Scheduler {
	if policy == nil {
		policy = NewRandomPolicy()
	}
	return &Scheduler{
		store:  s,
		policy: policy,
		logger: logger,
	}
}

// SelectEligible 返回 nil 表示当前没有可运行的 Study。
// 选择是无状态的：同一个 Study 可以同时分给多个 Worker。
func (s *Scheduler) SelectEligible(ctx context.Context) (*model.Study, error) {
	// Step 1: 获取全部 Study 快照
	studies, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}

	// Step 2: Filter - 只保留 running 状态
	candidates := s.filterStudies(studies)
	if len(candidates) == 0 {
		s.logger.Debug("no eligible study", zap.Int("total", len(studies)))
		return nil, nil
	}

	// Step 3: Pick - 交给策略选择
	picked := s.policy.Pick(candidates)
	if picked == nil {
		return nil, nil
	}
	s.logger.Debug("study selected",
		zap.String("study", picked.Name),
		zap.Int("candidates", len(candidates)))
	return picked, nil
}
