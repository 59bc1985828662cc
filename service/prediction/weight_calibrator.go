package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"cpc-service/service/models"
)

// CalibrationSample 一条已结算的预测样本
type CalibrationSample struct {
	SubScores models.FloatMap
	Predicted float64
	Actual    float64
	LoggedAt  time.Time // 结果登记时间
}

// WeightCalibrator 根据结果反馈对权重做有界调整
type WeightCalibrator struct {
	learningRate float64
	maxStep      float64
	minSamples   int
}

// NewWeightCalibrator 创建权重校准器
func NewWeightCalibrator(learningRate, maxStep float64, minSamples int) *WeightCalibrator {
	return &WeightCalibrator{
		learningRate: learningRate,
		maxStep:      maxStep,
		minSamples:   minSamples,
	}
}

// Calibrate 计算新的权重向量
// 相对误差 e = (actual-predicted)/predicted 截断到[-1,1]；
// 子评分高于样本均值且被低估时权重上调，反之下调；单步调整不超过 maxStep，调整后归一化。
func (c *WeightCalibrator) Calibrate(current models.WeightVector, samples []CalibrationSample) (models.WeightVector, error) {
	if err := current.Validate(); err != nil {
		return current, err
	}
	if len(samples) < c.minSamples || len(samples) == 0 {
		return current, fmt.Errorf("%w: 校准样本 %d 条，至少需要 %d 条", models.ErrInsufficientData, len(samples), c.minSamples)
	}

	gradient := make(map[string]float64, len(current.Weights))
	counts := make(map[string]int, len(current.Weights))
	for _, s := range samples {
		if s.Predicted <= 0 || len(s.SubScores) == 0 {
			continue
		}
		e := (s.Actual - s.Predicted) / s.Predicted
		e = math.Max(-1, math.Min(1, e))

		mean := 0.0
		for _, v := range s.SubScores {
			mean += v
		}
		mean /= float64(len(s.SubScores))

		for name, v := range s.SubScores {
			if _, known := current.Weights[name]; !known {
				continue
			}
			gradient[name] += e * (v - mean)
			counts[name]++
		}
	}

	next := current.Clone()
	for name, w := range current.Weights {
		if counts[name] == 0 {
			continue
		}
		delta := c.learningRate * gradient[name] / float64(counts[name])
		delta = math.Max(-c.maxStep, math.Min(c.maxStep, delta))
		next.Weights[name] = math.Max(0, w+delta)
	}

	normalized, err := next.Normalize()
	if err != nil {
		return current, err
	}
	if err := normalized.Validate(); err != nil {
		return current, err
	}
	normalized.Version = current.Version + 1
	normalized.Source = "calibration"
	normalized.CreatedAt = time.Now()
	return normalized, nil
}

// WeightStore 权重持久化接口
type WeightStore interface {
	LatestWeights(ctx context.Context) (*models.WeightVector, error)
	SaveWeights(ctx context.Context, weights *models.WeightVector) error
}

// WeightAuthority 权重向量的唯一持有方，其他组件只读共享
type WeightAuthority struct {
	mu         sync.RWMutex
	current    models.WeightVector
	store      WeightStore
	calibrator *WeightCalibrator
}

// NewWeightAuthority 创建权重持有方，优先加载持久化的最新版本
func NewWeightAuthority(ctx context.Context, store WeightStore, calibrator *WeightCalibrator) (*WeightAuthority, error) {
	a := &WeightAuthority{
		current:    models.DefaultWeightVector(),
		store:      store,
		calibrator: calibrator,
	}
	if store == nil {
		return a, nil
	}

	latest, err := store.LatestWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载权重失败: %w", err)
	}
	if latest == nil {
		if err := store.SaveWeights(ctx, &a.current); err != nil {
			return nil, fmt.Errorf("保存初始权重失败: %w", err)
		}
		return a, nil
	}
	if err := latest.Validate(); err != nil {
		slog.Error("持久化权重损坏，使用默认权重", "version", latest.Version, "error", err)
		return a, nil
	}
	a.current = latest.Clone()
	return a, nil
}

// Current 返回当前权重的拷贝
func (a *WeightAuthority) Current() models.WeightVector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current.Clone()
}

// Calibrate 只用登记时间晚于当前水位线的样本校准并替换当前权重；失败时保留原权重
// 没有新样本或新样本不足时返回 models.ErrInsufficientData，版本号不变
func (a *WeightAuthority) Calibrate(ctx context.Context, samples []CalibrationSample) (models.WeightVector, error) {
	if a.calibrator == nil {
		return a.Current(), fmt.Errorf("未配置权重校准器")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	fresh, through := samplesAfter(samples, a.current.CalibratedThrough)
	next, err := a.calibrator.Calibrate(a.current, fresh)
	if err != nil {
		return a.current.Clone(), err
	}
	next.CalibratedThrough = through
	if err := a.persist(ctx, &next); err != nil {
		return a.current.Clone(), err
	}
	a.current = next
	return next.Clone(), nil
}

// Replace 人工设置权重，先归一化再校验
func (a *WeightAuthority) Replace(ctx context.Context, weights models.FloatMap) (models.WeightVector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := models.WeightVector{Weights: weights.Clone()}
	for name := range candidate.Weights {
		if !isKnownSubScore(name) {
			return a.current.Clone(), fmt.Errorf("%w: 未知子评分 %s", models.ErrValidation, name)
		}
	}
	for name, v := range candidate.Weights {
		if v < 0 {
			return a.current.Clone(), fmt.Errorf("%w: 权重 %s 为负数", models.ErrWeightCorruption, name)
		}
	}
	normalized, err := candidate.Normalize()
	if err != nil {
		return a.current.Clone(), err
	}
	if err := normalized.Validate(); err != nil {
		return a.current.Clone(), err
	}
	normalized.Version = a.current.Version + 1
	normalized.Source = "manual"
	normalized.CalibratedThrough = a.current.CalibratedThrough
	normalized.CreatedAt = time.Now()

	if err := a.persist(ctx, &normalized); err != nil {
		return a.current.Clone(), err
	}
	a.current = normalized
	return normalized.Clone(), nil
}

func (a *WeightAuthority) persist(ctx context.Context, weights *models.WeightVector) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.SaveWeights(ctx, weights); err != nil {
		return fmt.Errorf("保存权重失败: %w", err)
	}
	return nil
}

// samplesAfter 返回登记时间晚于 watermark 的样本及其中最晚的登记时间
func samplesAfter(samples []CalibrationSample, watermark time.Time) ([]CalibrationSample, time.Time) {
	through := watermark
	fresh := make([]CalibrationSample, 0, len(samples))
	for _, s := range samples {
		if !watermark.IsZero() && !s.LoggedAt.After(watermark) {
			continue
		}
		fresh = append(fresh, s)
		if s.LoggedAt.After(through) {
			through = s.LoggedAt
		}
	}
	return fresh, through
}

func isKnownSubScore(name string) bool {
	for _, known := range models.SubScoreNames() {
		if known == name {
			return true
		}
	}
	return false
}
