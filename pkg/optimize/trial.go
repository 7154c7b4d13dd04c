package optimize

import (
	"context"
	"fmt"
	"sync"

	"kodu/pkg/model"
)

// Trial 运行中的 Trial 句柄，Objective 通过它取参数
type Trial struct {
	study  *Study
	id     int64
	number int

	mu        sync.Mutex
	suggested map[string]float64
}

func (t *Trial) ID() int64     { return t.id }
func (t *Trial) Number() int   { return t.number }
func (t *Trial) Study() *Study { return t.study }

type SuggestOption func(*suggestOptions)

type suggestOptions struct {
	log  bool
	step *float64
}

func Log() SuggestOption { return func(o *suggestOptions) { o.log = true } }

func Step(step float64) SuggestOption {
	return func(o *suggestOptions) { o.step = &step }
}

func (t *Trial) SuggestFloat(ctx context.Context, name string, low, high float64, opts ...SuggestOption) (float64, error) {
	var o suggestOptions
	for _, opt := range opts {
		opt(&o)
	}
	dist, err := model.NewFloatDistribution(low, high, o.log, o.step)
	if err != nil {
		return 0, err
	}
	v, err := t.Suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (t *Trial) SuggestInt(ctx context.Context, name string, low, high int64, opts ...SuggestOption) (int64, error) {
	o := suggestOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	step := int64(1)
	if o.step != nil {
		step = int64(*o.step)
	}
	dist, err := model.NewIntDistribution(low, high, o.log, step)
	if err != nil {
		return 0, err
	}
	v, err := t.Suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (t *Trial) SuggestCategorical(ctx context.Context, name string, choices []any) (any, error) {
	dist, err := model.NewCategoricalDistribution(choices)
	if err != nil {
		return nil, err
	}
	return t.Suggest(ctx, name, dist)
}

// Suggest 同一个名字只采样一次，之后返回同一个值。
// 新采样的值先写进 Ledger 再返回给 Objective。
func (t *Trial) Suggest(ctx context.Context, name string, dist model.Distribution) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.suggested[name]; ok {
		if !dist.Contains(v) {
			return nil, fmt.Errorf("param %s was already suggested from a different distribution", name)
		}
		return dist.ToExternal(v), nil
	}

	internal, err := t.study.sampler.Sample(ctx, t.study, name, dist)
	if err != nil {
		return nil, err
	}
	if err := t.study.storage.SetTrialParam(ctx, t.id, name, internal, dist); err != nil {
		return nil, &StorageError{Op: "set param " + name, Err: err}
	}
	t.suggested[name] = internal
	return dist.ToExternal(internal), nil
}

// Report 中间值不在 Ledger 覆盖范围内，远端存储会返回 Unsupported
func (t *Trial) Report(ctx context.Context, step int, value float64) error {
	return t.study.storage.SetTrialIntermediateValue(ctx, t.id, step, value)
}
