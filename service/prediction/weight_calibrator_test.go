package prediction

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"cpc-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weightSum(w models.WeightVector) float64 {
	sum := 0.0
	for _, v := range w.Weights {
		sum += v
	}
	return sum
}

// TestWeightCalibrator_PreservesInvariant 测试多轮校准后权重非负且和为1
func TestWeightCalibrator_PreservesInvariant(t *testing.T) {
	calibrator := NewWeightCalibrator(0.5, 0.2, 1)
	rng := rand.New(rand.NewPCG(11, 29))
	weights := models.DefaultWeightVector()

	for round := 0; round < 200; round++ {
		samples := make([]CalibrationSample, 20)
		for i := range samples {
			sub := models.FloatMap{}
			for _, name := range models.SubScoreNames() {
				sub[name] = rng.Float64()
			}
			samples[i] = CalibrationSample{
				SubScores: sub,
				Predicted: 0.001 + rng.Float64()*0.05,
				Actual:    rng.Float64() * 0.1,
			}
		}

		next, err := calibrator.Calibrate(weights, samples)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, weightSum(next), models.WeightTolerance)
		for name, v := range next.Weights {
			assert.GreaterOrEqual(t, v, 0.0, "权重 %s 不应为负数", name)
		}
		assert.Equal(t, weights.Version+1, next.Version)
		weights = next
	}
}

// TestWeightCalibrator_Direction 测试被低估的高分子评分权重上调
func TestWeightCalibrator_Direction(t *testing.T) {
	calibrator := NewWeightCalibrator(0.05, 0.05, 1)
	current := models.DefaultWeightVector()
	sample := CalibrationSample{
		SubScores: models.FloatMap{
			models.SubScorePsychology:  0.2,
			models.SubScoreHook:        0.9,
			models.SubScoreTechnical:   0.2,
			models.SubScoreDemographic: 0.2,
			models.SubScoreNovelty:     0.2,
		},
		Predicted: 0.02,
		Actual:    0.03,
	}

	next, err := calibrator.Calibrate(current, []CalibrationSample{sample})
	require.NoError(t, err)
	assert.Greater(t, next.Weights[models.SubScoreHook], current.Weights[models.SubScoreHook])
	assert.Less(t, next.Weights[models.SubScorePsychology], current.Weights[models.SubScorePsychology])
	assert.InDelta(t, 0.264, next.Weights[models.SubScoreHook], 1e-9)
}

// TestWeightCalibrator_BoundedStep 测试单步调整有界
func TestWeightCalibrator_BoundedStep(t *testing.T) {
	calibrator := NewWeightCalibrator(100, 0.01, 1)
	current := models.DefaultWeightVector()
	sample := CalibrationSample{
		SubScores: models.FloatMap{models.SubScoreHook: 1, models.SubScoreNovelty: 0},
		Predicted: 0.01,
		Actual:    1,
	}

	next, err := calibrator.Calibrate(current, []CalibrationSample{sample})
	require.NoError(t, err)
	for name, v := range next.Weights {
		assert.LessOrEqual(t, math.Abs(v-current.Weights[name]), 0.02+1e-9, "权重 %s 调整过大", name)
	}
}

// TestWeightCalibrator_InsufficientSamples 测试样本不足
func TestWeightCalibrator_InsufficientSamples(t *testing.T) {
	calibrator := NewWeightCalibrator(0.05, 0.05, 10)
	current := models.DefaultWeightVector()

	next, err := calibrator.Calibrate(current, nil)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	assert.Equal(t, current.Version, next.Version)
}

// TestWeightCalibrator_CorruptedInput 测试输入权重损坏
func TestWeightCalibrator_CorruptedInput(t *testing.T) {
	calibrator := NewWeightCalibrator(0.05, 0.05, 1)
	corrupted := models.WeightVector{Version: 3, Weights: models.FloatMap{models.SubScoreHook: 0.7, models.SubScoreNovelty: 0.7}}

	_, err := calibrator.Calibrate(corrupted, []CalibrationSample{{SubScores: models.FloatMap{models.SubScoreHook: 1}, Predicted: 1, Actual: 1}})
	assert.ErrorIs(t, err, models.ErrWeightCorruption)
}

// TestWeightAuthority_CalibrateAndReplace 测试权重持有方的校准与人工替换
func TestWeightAuthority_CalibrateAndReplace(t *testing.T) {
	ctx := context.Background()
	authority, err := NewWeightAuthority(ctx, nil, NewWeightCalibrator(0.05, 0.05, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, authority.Current().Version)

	_, err = authority.Calibrate(ctx, []CalibrationSample{{
		SubScores: models.FloatMap{models.SubScoreHook: 0.9, models.SubScoreNovelty: 0.1},
		Predicted: 0.02,
		Actual:    0.03,
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, authority.Current().Version)

	// 负数权重被拒绝，原权重保留
	_, err = authority.Replace(ctx, models.FloatMap{models.SubScoreHook: -1, models.SubScoreNovelty: 2})
	assert.ErrorIs(t, err, models.ErrWeightCorruption)
	assert.Equal(t, 2, authority.Current().Version)

	replaced, err := authority.Replace(ctx, models.FloatMap{models.SubScoreHook: 3, models.SubScoreNovelty: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, replaced.Version)
	assert.InDelta(t, 0.75, replaced.Weights[models.SubScoreHook], 1e-12)
	assert.InDelta(t, 1.0, weightSum(replaced), models.WeightTolerance)

	_, err = authority.Replace(ctx, models.FloatMap{"unknown": 1})
	assert.ErrorIs(t, err, models.ErrValidation)
}

// TestWeightAuthority_CalibratesOnlyNewOutcomes 已用过的样本不再参与校准，版本号保持不变
func TestWeightAuthority_CalibratesOnlyNewOutcomes(t *testing.T) {
	ctx := context.Background()
	authority, err := NewWeightAuthority(ctx, nil, NewWeightCalibrator(0.05, 0.05, 2))
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sample := func(at time.Time) CalibrationSample {
		return CalibrationSample{
			SubScores: models.FloatMap{models.SubScoreHook: 0.9, models.SubScoreNovelty: 0.1},
			Predicted: 0.02,
			Actual:    0.03,
			LoggedAt:  at,
		}
	}
	samples := []CalibrationSample{sample(base), sample(base.Add(time.Minute))}

	first, err := authority.Calibrate(ctx, samples)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Version)
	assert.True(t, first.CalibratedThrough.Equal(base.Add(time.Minute)))

	for i := 0; i < 3; i++ {
		again, err := authority.Calibrate(ctx, samples)
		assert.ErrorIs(t, err, models.ErrInsufficientData)
		assert.Equal(t, 2, again.Version)
		assert.Equal(t, first.Weights, again.Weights)
	}

	// 只有一条新样本时仍不足
	samples = append(samples, sample(base.Add(2*time.Minute)))
	_, err = authority.Calibrate(ctx, samples)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	samples = append(samples, sample(base.Add(3*time.Minute)))
	next, err := authority.Calibrate(ctx, samples)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Version)
	assert.True(t, next.CalibratedThrough.Equal(base.Add(3*time.Minute)))

	// 人工替换保留水位线
	replaced, err := authority.Replace(ctx, models.FloatMap{models.SubScoreHook: 1, models.SubScoreNovelty: 1})
	require.NoError(t, err)
	assert.True(t, replaced.CalibratedThrough.Equal(next.CalibratedThrough))
}
