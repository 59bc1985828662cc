package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// 子评分名称
const (
	SubScorePsychology  = "psychology"
	SubScoreHook        = "hook"
	SubScoreTechnical   = "technical"
	SubScoreDemographic = "demographic"
	SubScoreNovelty     = "novelty"
)

// WeightTolerance 权重和的浮点容差
const WeightTolerance = 1e-9

// SubScoreNames 返回固定顺序的子评分名称
func SubScoreNames() []string {
	return []string{SubScorePsychology, SubScoreHook, SubScoreTechnical, SubScoreDemographic, SubScoreNovelty}
}

// WeightVector 评分权重向量，由唯一的校准方持有
type WeightVector struct {
	Version   int       `json:"version" gorm:"primaryKey;autoIncrement:false"`
	Weights   FloatMap  `json:"weights" gorm:"type:jsonb;not null"`
	Source    string    `json:"source" gorm:"size:32"` // default, calibration, manual
	// CalibratedThrough 已用于校准的最晚结果登记时间，之后的校准只使用更新的结果
	CalibratedThrough time.Time `json:"calibrated_through"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName 指定表名
func (WeightVector) TableName() string {
	return "weight_vectors"
}

// DefaultWeightVector 初始权重
func DefaultWeightVector() WeightVector {
	return WeightVector{
		Version: 1,
		Weights: FloatMap{
			SubScorePsychology:  0.25,
			SubScoreHook:        0.25,
			SubScoreTechnical:   0.20,
			SubScoreDemographic: 0.15,
			SubScoreNovelty:     0.15,
		},
		Source:    "default",
		CreatedAt: time.Now(),
	}
}

// Validate 校验权重非负且和为1
func (w WeightVector) Validate() error {
	if len(w.Weights) == 0 {
		return fmt.Errorf("%w: 权重为空", ErrWeightCorruption)
	}
	sum := 0.0
	for name, v := range w.Weights {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: 权重 %s 非有限值", ErrWeightCorruption, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: 权重 %s 为负数 %.6f", ErrWeightCorruption, name, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("%w: 权重和为 %.12f", ErrWeightCorruption, sum)
	}
	return nil
}

// Normalize 将负值截断为0后按总和归一化
func (w WeightVector) Normalize() (WeightVector, error) {
	out := w
	out.Weights = make(FloatMap, len(w.Weights))
	sum := 0.0
	for name, v := range w.Weights {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return w, fmt.Errorf("%w: 权重 %s 非有限值", ErrWeightCorruption, name)
		}
		if v < 0 {
			v = 0
		}
		out.Weights[name] = v
		sum += v
	}
	if sum <= 0 {
		return w, fmt.Errorf("%w: 权重和为0，无法归一化", ErrWeightCorruption)
	}
	// 按名称顺序累加，最后一项吸收舍入误差
	names := make([]string, 0, len(out.Weights))
	for name := range out.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	acc := 0.0
	for i, name := range names {
		if i == len(names)-1 {
			out.Weights[name] = math.Max(0, 1.0-acc)
			break
		}
		out.Weights[name] = out.Weights[name] / sum
		acc += out.Weights[name]
	}
	return out, nil
}

// Clone 深拷贝
func (w WeightVector) Clone() WeightVector {
	out := w
	out.Weights = w.Weights.Clone()
	return out
}
