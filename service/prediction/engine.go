/*
 * @module service/prediction/engine
 * @description 预测引擎，将素材子评分与权重向量组合为综合评分，并经校准曲线得到CTR/ROAS预测
 * @architecture 纯函数组件 - 无副作用
 * @documentReference DESIGN.md
 * @stateFlow 子评分 -> 完整度检查 -> 加权综合评分 -> 校准曲线 -> 置信度
 * @rules 子评分取值[0,1]；可用子评分比例低于下限时返回特征不足错误
 * @dependencies cpc-service/service/models
 * @refs service/prediction/calibration_curve.go, service/accuracy
 */

package prediction

import (
	"fmt"
	"math"
	"time"

	"cpc-service/service/models"

	"github.com/google/uuid"
)

// FeatureVector 子评分向量，缺失的子评分不出现在map中或取NaN
type FeatureVector map[string]float64

// CalibrationCurve 单调校准曲线，输入综合评分，输出预测值
type CalibrationCurve func(score float64) float64

// DefaultCTRCurve 默认CTR校准曲线
func DefaultCTRCurve(score float64) float64 {
	return 0.002 + 0.048*math.Pow(clamp01(score), 1.5)
}

// DefaultROASCurve 默认ROAS校准曲线
func DefaultROASCurve(score float64) float64 {
	return 0.5 + 4.5*clamp01(score)
}

// EngineOptions 预测引擎参数
type EngineOptions struct {
	CTRCurve           CalibrationCurve
	ROASCurve          CalibrationCurve
	Centroid           models.FloatMap // 训练分布中心，缺省为各维0.5
	MinFeatureFraction float64
	SubScores          []string // 期望的子评分集合，缺省为五项标准子评分
}

// Score 评分结果
type Score struct {
	Composite        float64  `json:"composite"`
	PredictedCTR     float64  `json:"predicted_ctr"`
	PredictedROAS    float64  `json:"predicted_roas"`
	Confidence       float64  `json:"confidence"`
	Completeness     float64  `json:"completeness"`
	CentroidDistance float64  `json:"centroid_distance"` // 归一化到[0,1]
	Present          []string `json:"present"`
	WeightVersion    int      `json:"weight_version"`
}

// Engine 预测引擎
type Engine struct {
	ctrCurve           CalibrationCurve
	roasCurve          CalibrationCurve
	centroid           models.FloatMap
	minFeatureFraction float64
	subScores          []string
}

// NewEngine 创建预测引擎
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		ctrCurve:           opts.CTRCurve,
		roasCurve:          opts.ROASCurve,
		centroid:           opts.Centroid.Clone(),
		minFeatureFraction: opts.MinFeatureFraction,
		subScores:          append([]string(nil), opts.SubScores...),
	}
	if e.ctrCurve == nil {
		e.ctrCurve = DefaultCTRCurve
	}
	if e.roasCurve == nil {
		e.roasCurve = DefaultROASCurve
	}
	if len(e.subScores) == 0 {
		e.subScores = models.SubScoreNames()
	}
	if e.centroid == nil {
		e.centroid = make(models.FloatMap, len(e.subScores))
		for _, name := range e.subScores {
			e.centroid[name] = 0.5
		}
	}
	if e.minFeatureFraction <= 0 {
		e.minFeatureFraction = 0.6
	}
	return e
}

// Score 计算综合评分与预测值
func (e *Engine) Score(features FeatureVector, weights models.WeightVector) (*Score, error) {
	present := make([]string, 0, len(e.subScores))
	for _, name := range e.subScores {
		v, ok := features[name]
		if !ok || math.IsNaN(v) {
			continue
		}
		if v < 0 || v > 1 || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: 子评分 %s=%.4f 超出[0,1]", models.ErrValidation, name, v)
		}
		present = append(present, name)
	}

	completeness := float64(len(present)) / float64(len(e.subScores))
	if len(present) == 0 || completeness < e.minFeatureFraction {
		return nil, fmt.Errorf("%w: 可用子评分 %d/%d，低于下限 %.2f",
			models.ErrInsufficientFeatures, len(present), len(e.subScores), e.minFeatureFraction)
	}

	// 缺失子评分的权重按可用子评分重新归一化
	weightSum, weighted, plain := 0.0, 0.0, 0.0
	for _, name := range present {
		w := weights.Weights[name]
		weightSum += w
		weighted += w * features[name]
		plain += features[name]
	}
	composite := plain / float64(len(present))
	if weightSum > 0 {
		composite = weighted / weightSum
	}
	composite = clamp01(composite)

	// 与训练分布中心的欧氏距离，按最大可能距离sqrt(n)归一化
	sq := 0.0
	for _, name := range present {
		d := features[name] - e.centroid[name]
		sq += d * d
	}
	distance := math.Sqrt(sq) / math.Sqrt(float64(len(present)))

	return &Score{
		Composite:        composite,
		PredictedCTR:     e.ctrCurve(composite),
		PredictedROAS:    e.roasCurve(composite),
		Confidence:       clamp01(completeness * (1 - distance)),
		Completeness:     completeness,
		CentroidDistance: distance,
		Present:          present,
		WeightVersion:    weights.Version,
	}, nil
}

// Predict 评分并生成预测记录（不登记）
func (e *Engine) Predict(subjectID string, features FeatureVector, weights models.WeightVector) (*models.PredictionRecord, error) {
	score, err := e.Score(features, weights)
	if err != nil {
		return nil, err
	}
	subScores := make(models.FloatMap, len(score.Present))
	for _, name := range score.Present {
		subScores[name] = features[name]
	}
	return &models.PredictionRecord{
		ID:             uuid.New().String(),
		SubjectID:      subjectID,
		PredictedCTR:   score.PredictedCTR,
		PredictedROAS:  score.PredictedROAS,
		CompositeScore: score.Composite,
		Confidence:     score.Confidence,
		WeightVersion:  weights.Version,
		SubScores:      subScores,
		CreatedAt:      time.Now(),
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
