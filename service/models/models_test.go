/*
 * @module service/models/models_test
 * @description 领域模型测试：快照校验、止损原因编码、权重归一化和实验拷贝
 * @architecture 测试层 - 值对象行为验证
 * @documentReference DESIGN.md
 * @stateFlow 构造模型 -> 调用方法 -> 结果断言
 * @rules 校验失败统一包装 ErrValidation，权重异常统一包装 ErrWeightCorruption
 * @dependencies testing, testify
 * @refs ad_metrics.go, kill_decision.go, weights.go, experiment.go
 */

package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdMetricsDerivedRates(t *testing.T) {
	m := AdMetrics{AdID: "ad-1", Impressions: 10000, Clicks: 200, Conversions: 10, Spend: 100, Revenue: 350}
	assert.InDelta(t, 0.02, m.CTR(), 1e-12)
	assert.InDelta(t, 0.05, m.CVR(), 1e-12)
	assert.InDelta(t, 10.0, m.CPA(), 1e-12)
	assert.InDelta(t, 3.5, m.ROAS(), 1e-12)

	empty := AdMetrics{AdID: "ad-2"}
	assert.Zero(t, empty.CTR())
	assert.Zero(t, empty.CVR())
	assert.Zero(t, empty.CPA())
	assert.Zero(t, empty.ROAS())
}

func TestAdMetricsValidate(t *testing.T) {
	valid := AdMetrics{AdID: "ad-1", Impressions: 100, Clicks: 10, Conversions: 1, Spend: 5}
	require.NoError(t, valid.Validate())

	cases := map[string]AdMetrics{
		"缺少广告ID":  {Impressions: 1},
		"负花费":     {AdID: "a", Spend: -1},
		"负展示":     {AdID: "a", Impressions: -1},
		"点击大于展示":  {AdID: "a", Impressions: 10, Clicks: 11},
		"转化大于点击":  {AdID: "a", Impressions: 10, Clicks: 5, Conversions: 6},
		"负日预算":    {AdID: "a", DailyBudget: -10},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestAdMetricsCheckMonotonic(t *testing.T) {
	prev := AdMetrics{AdID: "ad-1", Impressions: 100, Clicks: 10, Conversions: 1, Spend: 5}
	next := prev
	next.Impressions = 150
	next.Spend = 7
	assert.NoError(t, next.CheckMonotonic(prev))

	regressed := prev
	regressed.Clicks = 9
	err := regressed.CheckMonotonic(prev)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestKillReasonTextEncoding(t *testing.T) {
	for _, reason := range AllKillReasons() {
		data, err := json.Marshal(reason)
		require.NoError(t, err)

		var decoded KillReason
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, reason, decoded)
		assert.False(t, decoded.IsNone())
	}

	data, err := json.Marshal(KillReasonNone)
	require.NoError(t, err)
	assert.JSONEq(t, `"NONE"`, string(data))

	var unknown KillReason
	assert.Error(t, json.Unmarshal([]byte(`"BAD_VIBES"`), &unknown))
}

func TestKillDecisionJSONCarriesReasonCode(t *testing.T) {
	decision := KillDecision{AdID: "ad-1", ShouldKill: true, Reason: KillReasonHighCPA}
	data, err := json.Marshal(decision)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"HIGH_CPA"`)
}

func TestWeightVectorNormalize(t *testing.T) {
	w := WeightVector{Version: 3, Weights: FloatMap{
		SubScoreHook:       3,
		SubScorePsychology: 1,
		SubScoreNovelty:    -2,
	}}
	out, err := w.Normalize()
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.InDelta(t, 0.75, out.Weights[SubScoreHook], 1e-12)
	assert.InDelta(t, 0.25, out.Weights[SubScorePsychology], 1e-12)
	assert.Zero(t, out.Weights[SubScoreNovelty])
	// 原向量不被修改
	assert.Equal(t, 3.0, w.Weights[SubScoreHook])

	_, err = WeightVector{Weights: FloatMap{SubScoreHook: 0}}.Normalize()
	assert.ErrorIs(t, err, ErrWeightCorruption)

	_, err = WeightVector{Weights: FloatMap{SubScoreHook: math.NaN()}}.Normalize()
	assert.ErrorIs(t, err, ErrWeightCorruption)
}

func TestWeightVectorValidate(t *testing.T) {
	require.NoError(t, DefaultWeightVector().Validate())

	bad := WeightVector{Weights: FloatMap{SubScoreHook: 0.7, SubScoreNovelty: 0.2}}
	assert.ErrorIs(t, bad.Validate(), ErrWeightCorruption)

	negative := WeightVector{Weights: FloatMap{SubScoreHook: 1.2, SubScoreNovelty: -0.2}}
	assert.ErrorIs(t, negative.Validate(), ErrWeightCorruption)
}

func TestVariantBetaParameters(t *testing.T) {
	v := Variant{Clicks: 100, Conversions: 12}
	assert.Equal(t, 13.0, v.Alpha())
	assert.Equal(t, 89.0, v.Beta())

	broken := Variant{Clicks: 2, Conversions: 5}
	assert.Equal(t, 1.0, broken.Beta())
}

func TestExperimentCloneIsDeep(t *testing.T) {
	done := time.Now()
	exp := &Experiment{
		ID:          "exp-1",
		Variants:    VariantList{{ID: "v1", AdID: "ad-1"}, {ID: "v2"}},
		Allocations: FloatMap{"v1": 10},
		CompletedAt: &done,
	}
	clone := exp.Clone()
	clone.Variants[0].Killed = true
	clone.Allocations["v1"] = 99
	*clone.CompletedAt = done.Add(time.Hour)

	assert.False(t, exp.Variants[0].Killed)
	assert.Equal(t, 10.0, exp.Allocations["v1"])
	assert.Equal(t, done, *exp.CompletedAt)
	assert.Equal(t, 1, exp.VariantIndex("v2"))
	assert.Equal(t, -1, exp.VariantIndex("v3"))
	assert.Equal(t, []string{"ad-1"}, exp.AdIDs())
}

func TestExperimentStateIsValid(t *testing.T) {
	assert.True(t, ExperimentActive.IsValid())
	assert.False(t, ExperimentState("archived").IsValid())
}

func TestNewControllerEventPayload(t *testing.T) {
	event := NewControllerEvent("t1", "c1", EventKillDecision, "ad-1", KillDecision{AdID: "ad-1", Reason: KillReasonLowCTR})
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "LOW_CTR", event.Payload["reason"])

	scalar := NewControllerEvent("t1", "c1", EventKillDecision, "ad-1", 42)
	assert.Contains(t, scalar.Payload, "value")
}
