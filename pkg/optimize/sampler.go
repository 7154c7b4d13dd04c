package optimize

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"kodu/pkg/model"
)

// Sampler 给一个参数在分布内取一个内部值。
// 采样策略本身不属于本系统，引擎只依赖这个接口。
type Sampler interface {
	Sample(ctx context.Context, study *Study, name string, dist model.Distribution) (float64, error)
}

// RandomSampler 均匀随机采样 (log 分布在对数空间均匀)
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSampler(seed uint64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *RandomSampler) Sample(_ context.Context, _ *Study, name string, dist model.Distribution) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch d := dist.(type) {
	case *model.FloatDistribution:
		if d.Single() {
			return d.Low, nil
		}
		if d.Step != nil {
			n := int64(math.Floor((d.High - d.Low) / *d.Step))
			return d.Low + float64(r.rng.Int64N(n+1))*(*d.Step), nil
		}
		if d.Log {
			lo, hi := math.Log(d.Low), math.Log(d.High)
			return math.Max(d.Low, math.Min(d.High, math.Exp(lo+r.rng.Float64()*(hi-lo)))), nil
		}
		return d.Low + r.rng.Float64()*(d.High-d.Low), nil

	case *model.IntDistribution:
		if d.Log {
			lo, hi := math.Log(float64(d.Low)-0.5), math.Log(float64(d.High)+0.5)
			v := math.Round(math.Exp(lo + r.rng.Float64()*(hi-lo)))
			return math.Max(float64(d.Low), math.Min(float64(d.High), v)), nil
		}
		n := (d.High - d.Low) / d.Step
		return float64(d.Low + r.rng.Int64N(n+1)*d.Step), nil

	case *model.CategoricalDistribution:
		return float64(r.rng.IntN(len(d.Choices))), nil

	default:
		return 0, fmt.Errorf("random sampler: param %s has unsupported distribution %T", name, dist)
	}
}
