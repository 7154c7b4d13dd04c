package model

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Distribution 参数的取值空间。
// 内部值统一用 float64: 数值型就是值本身，类别型是 choice 的下标。
type Distribution interface {
	Kind() string
	ToExternal(internal float64) any
	ToInternal(external any) (float64, error)
	Contains(internal float64) bool
	Single() bool
}

const (
	KindFloat       = "FloatDistribution"
	KindInt         = "IntDistribution"
	KindCategorical = "CategoricalDistribution"
)

type FloatDistribution struct {
	Low  float64  `json:"low"`
	High float64  `json:"high"`
	Log  bool     `json:"log"`
	Step *float64 `json:"step"`
}

func NewFloatDistribution(low, high float64, log bool, step *float64) (*FloatDistribution, error) {
	if low > high {
		return nil, fmt.Errorf("float distribution: low %v > high %v", low, high)
	}
	if log && low <= 0 {
		return nil, fmt.Errorf("float distribution: log scale needs low > 0, got %v", low)
	}
	if log && step != nil {
		return nil, fmt.Errorf("float distribution: step and log cannot be combined")
	}
	if step != nil && *step <= 0 {
		return nil, fmt.Errorf("float distribution: step must be positive, got %v", *step)
	}
	return &FloatDistribution{Low: low, High: high, Log: log, Step: step}, nil
}

func (d *FloatDistribution) Kind() string                    { return KindFloat }
func (d *FloatDistribution) ToExternal(internal float64) any { return internal }

func (d *FloatDistribution) ToInternal(external any) (float64, error) {
	return toFloat(external)
}

func (d *FloatDistribution) Contains(v float64) bool {
	if math.IsNaN(v) || v < d.Low || v > d.High {
		return false
	}
	if d.Step != nil {
		k := (v - d.Low) / *d.Step
		return math.Abs(k-math.Round(k)) < 1e-8
	}
	return true
}

func (d *FloatDistribution) Single() bool {
	if d.Step != nil {
		return d.High-d.Low < *d.Step
	}
	return d.Low == d.High
}

type IntDistribution struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
	Log  bool  `json:"log"`
	Step int64 `json:"step"`
}

func NewIntDistribution(low, high int64, log bool, step int64) (*IntDistribution, error) {
	if low > high {
		return nil, fmt.Errorf("int distribution: low %d > high %d", low, high)
	}
	if step <= 0 {
		return nil, fmt.Errorf("int distribution: step must be positive, got %d", step)
	}
	if log && (low < 1 || step != 1) {
		return nil, fmt.Errorf("int distribution: log scale needs low >= 1 and step == 1")
	}
	return &IntDistribution{Low: low, High: high, Log: log, Step: step}, nil
}

func (d *IntDistribution) Kind() string                    { return KindInt }
func (d *IntDistribution) ToExternal(internal float64) any { return int64(math.Round(internal)) }

func (d *IntDistribution) ToInternal(external any) (float64, error) {
	return toFloat(external)
}

func (d *IntDistribution) Contains(v float64) bool {
	if math.IsNaN(v) || v != math.Trunc(v) {
		return false
	}
	iv := int64(v)
	return iv >= d.Low && iv <= d.High && (iv-d.Low)%d.Step == 0
}

func (d *IntDistribution) Single() bool { return d.High-d.Low < d.Step }

type CategoricalDistribution struct {
	Choices []any `json:"choices"`
}

func NewCategoricalDistribution(choices []any) (*CategoricalDistribution, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("categorical distribution: no choices")
	}
	return &CategoricalDistribution{Choices: choices}, nil
}

func (d *CategoricalDistribution) Kind() string { return KindCategorical }

func (d *CategoricalDistribution) ToExternal(internal float64) any {
	return d.Choices[int(internal)]
}

func (d *CategoricalDistribution) ToInternal(external any) (float64, error) {
	for i, c := range d.Choices {
		if reflect.DeepEqual(normalizeChoice(c), normalizeChoice(external)) {
			return float64(i), nil
		}
	}
	return 0, fmt.Errorf("categorical distribution: %v is not a choice", external)
}

func (d *CategoricalDistribution) Contains(v float64) bool {
	return v == math.Trunc(v) && v >= 0 && int(v) < len(d.Choices)
}

func (d *CategoricalDistribution) Single() bool { return len(d.Choices) == 1 }

// descriptor 序列化格式: {"name": "...Distribution", "attributes": {...}}
type descriptor struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes"`
}

// DistributionToJSON 序列化分布，写入 Ledger 时与参数值一起保存
func DistributionToJSON(d Distribution) (string, error) {
	attrs, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(descriptor{Name: d.Kind(), Attributes: attrs})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DistributionFromJSON 从描述符重建分布对象
func DistributionFromJSON(s string) (Distribution, error) {
	var desc descriptor
	if err := json.Unmarshal([]byte(s), &desc); err != nil {
		return nil, fmt.Errorf("decode distribution descriptor: %w", err)
	}
	if len(desc.Attributes) == 0 {
		return nil, fmt.Errorf("distribution descriptor %q has no attributes", desc.Name)
	}
	switch desc.Name {
	case KindFloat:
		var d FloatDistribution
		if err := json.Unmarshal(desc.Attributes, &d); err != nil {
			return nil, err
		}
		return NewFloatDistribution(d.Low, d.High, d.Log, d.Step)
	case KindInt:
		var d IntDistribution
		if err := json.Unmarshal(desc.Attributes, &d); err != nil {
			return nil, err
		}
		return NewIntDistribution(d.Low, d.High, d.Log, d.Step)
	case KindCategorical:
		var d CategoricalDistribution
		if err := json.Unmarshal(desc.Attributes, &d); err != nil {
			return nil, err
		}
		return NewCategoricalDistribution(d.Choices)
	default:
		return nil, fmt.Errorf("unknown distribution %q", desc.Name)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}

// JSON 反序列化后数字都会变成 float64，比较 choice 前先统一
func normalizeChoice(v any) any {
	if f, err := toFloat(v); err == nil {
		return f
	}
	return v
}
