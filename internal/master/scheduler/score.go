package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"kodu/pkg/model"
)

// Policy 从候选 Study 中选一个。candidates 非空，按创建时间排序。
type Policy interface {
	Pick(candidates []model.Study) *model.Study
}

const (
	PolicyRandom     = "random"
	PolicyRoundRobin = "round_robin"
)

// NewPolicy 按配置名构造策略
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", PolicyRandom:
		return NewRandomPolicy(), nil
	case PolicyRoundRobin:
		return NewRoundRobinPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown scheduler policy %q", name)
	}
}

// RandomPolicy 均匀随机，长期来看每个 running Study 被选中的概率相同
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomPolicy() *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (p *RandomPolicy) Pick(candidates []model.Study) *model.Study {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	i := p.rng.IntN(len(candidates))
	p.mu.Unlock()

	picked := candidates[i]
	return &picked
}

// RoundRobinPolicy 记住上次选中的名字，下次从它之后开始轮转。
// 候选集合变化 (激活 / 暂停) 时按名字重新定位，不依赖下标。
type RoundRobinPolicy struct {
	mu   sync.Mutex
	last string
}

func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

func (p *RoundRobinPolicy) Pick(candidates []model.Study) *model.Study {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	next := 0
	for i, st := range candidates {
		if st.Name == p.last {
			next = (i + 1) % len(candidates)
			break
		}
	}
	picked := candidates[next]
	p.last = picked.Name
	return &picked
}
