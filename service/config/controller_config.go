/*
 * @module service/config/controller_config
 * @description 控制器配置，负责默认值、配置文件加载、环境变量覆盖和配置校验
 * @architecture 分层架构 - 配置层
 * @documentReference DESIGN.md
 * @stateFlow 默认值 -> YAML文件 -> 环境变量覆盖 -> 校验
 * @rules 配置对象显式传入各组件，不使用全局阈值
 * @dependencies gopkg.in/yaml.v3, github.com/spf13/cast
 * @refs service/init.go
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// RetryConfig 外部平台调用的重试配置
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	Jitter      float64       `json:"jitter" yaml:"jitter"` // 0-1，延迟上下浮动比例
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// ControllerConfig 控制器配置
type ControllerConfig struct {
	// 控制循环
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	Tenants      []string      `json:"tenants" yaml:"tenants"`
	WorkerCount  int           `json:"worker_count" yaml:"worker_count"`

	// 止损规则
	TargetCPA              float64 `json:"target_cpa" yaml:"target_cpa"`
	TargetROAS             float64 `json:"target_roas" yaml:"target_roas"`
	MinCTR                 float64 `json:"min_ctr" yaml:"min_ctr"`
	MinCVR                 float64 `json:"min_cvr" yaml:"min_cvr"`
	MaxCPAMultiplier       float64 `json:"max_cpa_multiplier" yaml:"max_cpa_multiplier"`
	MinROAS                float64 `json:"min_roas" yaml:"min_roas"`
	NoConversionSpendLimit float64 `json:"no_conversion_spend_limit" yaml:"no_conversion_spend_limit"`
	MinImpressionsForCTR   int64   `json:"min_impressions_for_ctr" yaml:"min_impressions_for_ctr"`
	MinClicksForCVR        int64   `json:"min_clicks_for_cvr" yaml:"min_clicks_for_cvr"`
	MinConversionsForCPA   int64   `json:"min_conversions_for_cpa" yaml:"min_conversions_for_cpa"`
	MinSpendForROAS        float64 `json:"min_spend_for_roas" yaml:"min_spend_for_roas"`

	// 预算优化
	ScaleROASThreshold        float64 `json:"scale_roas_threshold" yaml:"scale_roas_threshold"`
	CeilingROAS               float64 `json:"ceiling_roas" yaml:"ceiling_roas"`
	MaintainROASFloor         float64 `json:"maintain_roas_floor" yaml:"maintain_roas_floor"` // 为0时取 target_roas
	ReduceROASFloor           float64 `json:"reduce_roas_floor" yaml:"reduce_roas_floor"`
	MaxBudgetIncrease         float64 `json:"max_budget_increase" yaml:"max_budget_increase"`
	ModerateBudgetDecrease    float64 `json:"moderate_budget_decrease" yaml:"moderate_budget_decrease"`
	SevereBudgetDecrease      float64 `json:"severe_budget_decrease" yaml:"severe_budget_decrease"`
	MinSpendForBudgetDecision float64 `json:"min_spend_for_budget_decision" yaml:"min_spend_for_budget_decision"`
	BudgetConfidenceSpend     float64 `json:"budget_confidence_spend" yaml:"budget_confidence_spend"`
	BudgetConfidenceCap       float64 `json:"budget_confidence_cap" yaml:"budget_confidence_cap"`
	AutoApplyBudget           bool    `json:"auto_apply_budget" yaml:"auto_apply_budget"`

	// 实验与汤普森采样
	ThompsonDraws          int     `json:"thompson_draws" yaml:"thompson_draws"`
	ExplorationFloor       float64 `json:"exploration_floor" yaml:"exploration_floor"`
	ConfidenceLevelDefault float64 `json:"confidence_level_default" yaml:"confidence_level_default"`
	MinSampleSize          int64   `json:"min_sample_size" yaml:"min_sample_size"`

	// 准确度与漂移
	DriftMultiplier      float64 `json:"drift_multiplier" yaml:"drift_multiplier"`
	AccuracyTolerance    float64 `json:"accuracy_tolerance" yaml:"accuracy_tolerance"`
	MinDriftSamples      int     `json:"min_drift_samples" yaml:"min_drift_samples"`
	SettleMinImpressions int64   `json:"settle_min_impressions" yaml:"settle_min_impressions"`

	// 预测与权重校准
	MinFeatureFraction      float64 `json:"min_feature_fraction" yaml:"min_feature_fraction"`
	CalibrationLearningRate float64 `json:"calibration_learning_rate" yaml:"calibration_learning_rate"`
	CalibrationMaxStep      float64 `json:"calibration_max_step" yaml:"calibration_max_step"`
	CalibrationMinSamples   int     `json:"calibration_min_samples" yaml:"calibration_min_samples"`

	// 平台调用
	Retry             RetryConfig `json:"retry" yaml:"retry"`
	PlatformRateLimit float64     `json:"platform_rate_limit" yaml:"platform_rate_limit"` // 每秒调用数，0表示不限速
	PlatformBurst     int         `json:"platform_burst" yaml:"platform_burst"`
	// 暂停配额：窗口内最多暂停的广告数，0表示不限制，需要Redis
	MaxPausesPerWindow int           `json:"max_pauses_per_window" yaml:"max_pauses_per_window"`
	PauseQuotaWindow   time.Duration `json:"pause_quota_window" yaml:"pause_quota_window"`
}

// DefaultControllerConfig 返回默认配置
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		TickInterval: 5 * time.Minute,
		Tenants:      []string{"default"},
		WorkerCount:  8,

		TargetCPA:              50.0,
		TargetROAS:             2.0,
		MinCTR:                 0.005,
		MinCVR:                 0.005,
		MaxCPAMultiplier:       3.0,
		MinROAS:                0.5,
		NoConversionSpendLimit: 100.0,
		MinImpressionsForCTR:   1000,
		MinClicksForCVR:        100,
		MinConversionsForCPA:   3,
		MinSpendForROAS:        100.0,

		ScaleROASThreshold:        3.0,
		CeilingROAS:               5.0,
		ReduceROASFloor:           1.0,
		MaxBudgetIncrease:         0.50,
		ModerateBudgetDecrease:    0.30,
		SevereBudgetDecrease:      0.70,
		MinSpendForBudgetDecision: 50.0,
		BudgetConfidenceSpend:     500.0,
		BudgetConfidenceCap:       0.95,
		AutoApplyBudget:           false,

		ThompsonDraws:          10000,
		ExplorationFloor:       0.05,
		ConfidenceLevelDefault: 0.95,
		MinSampleSize:          1000,

		DriftMultiplier:      1.5,
		AccuracyTolerance:    0.20,
		MinDriftSamples:      5,
		SettleMinImpressions: 1000,

		MinFeatureFraction:      0.6,
		CalibrationLearningRate: 0.05,
		CalibrationMaxStep:      0.05,
		CalibrationMinSamples:   10,

		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
			CallTimeout: 10 * time.Second,
		},
		PlatformRateLimit: 20,
		PlatformBurst:     5,
		PauseQuotaWindow:  time.Hour,
	}
}

// LoadControllerConfig 加载配置：默认值 -> YAML文件（可选） -> CPC_前缀环境变量
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cfg := DefaultControllerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 使用环境变量覆盖配置，lookup 便于测试注入
func (c *ControllerConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	floats := map[string]*float64{
		"TARGET_CPA":                    &c.TargetCPA,
		"TARGET_ROAS":                   &c.TargetROAS,
		"MAINTAIN_ROAS_FLOOR":           &c.MaintainROASFloor,
		"MIN_CTR":                       &c.MinCTR,
		"MIN_CVR":                       &c.MinCVR,
		"MAX_CPA_MULTIPLIER":            &c.MaxCPAMultiplier,
		"MIN_ROAS":                      &c.MinROAS,
		"NO_CONVERSION_SPEND_LIMIT":     &c.NoConversionSpendLimit,
		"SCALE_ROAS_THRESHOLD":          &c.ScaleROASThreshold,
		"CEILING_ROAS":                  &c.CeilingROAS,
		"MIN_SPEND_FOR_BUDGET_DECISION": &c.MinSpendForBudgetDecision,
		"EXPLORATION_FLOOR":             &c.ExplorationFloor,
		"CONFIDENCE_LEVEL_DEFAULT":      &c.ConfidenceLevelDefault,
		"DRIFT_MULTIPLIER":              &c.DriftMultiplier,
		"PLATFORM_RATE_LIMIT":           &c.PlatformRateLimit,
	}
	ints := map[string]*int{
		"THOMPSON_DRAWS": &c.ThompsonDraws,
		"WORKER_COUNT":   &c.WorkerCount,
		"RETRY_MAX":      &c.Retry.MaxAttempts,
		"MAX_PAUSES":     &c.MaxPausesPerWindow,
	}
	int64s := map[string]*int64{
		"MIN_SAMPLE_SIZE":        &c.MinSampleSize,
		"SETTLE_MIN_IMPRESSIONS": &c.SettleMinImpressions,
	}
	durations := map[string]*time.Duration{
		"TICK_INTERVAL":      &c.TickInterval,
		"RETRY_BASE_DELAY":   &c.Retry.BaseDelay,
		"RETRY_CALL_TIMEOUT": &c.Retry.CallTimeout,
		"PAUSE_QUOTA_WINDOW": &c.PauseQuotaWindow,
	}

	for key, dst := range floats {
		if raw, ok := lookup("CPC_" + key); ok && raw != "" {
			v, err := cast.ToFloat64E(raw)
			if err != nil {
				return fmt.Errorf("环境变量 CPC_%s 解析失败: %w", key, err)
			}
			*dst = v
		}
	}
	for key, dst := range ints {
		if raw, ok := lookup("CPC_" + key); ok && raw != "" {
			v, err := cast.ToIntE(raw)
			if err != nil {
				return fmt.Errorf("环境变量 CPC_%s 解析失败: %w", key, err)
			}
			*dst = v
		}
	}
	for key, dst := range int64s {
		if raw, ok := lookup("CPC_" + key); ok && raw != "" {
			v, err := cast.ToInt64E(raw)
			if err != nil {
				return fmt.Errorf("环境变量 CPC_%s 解析失败: %w", key, err)
			}
			*dst = v
		}
	}
	for key, dst := range durations {
		if raw, ok := lookup("CPC_" + key); ok && raw != "" {
			v, err := cast.ToDurationE(raw)
			if err != nil {
				return fmt.Errorf("环境变量 CPC_%s 解析失败: %w", key, err)
			}
			*dst = v
		}
	}
	if raw, ok := lookup("CPC_AUTO_APPLY_BUDGET"); ok && raw != "" {
		v, err := cast.ToBoolE(raw)
		if err != nil {
			return fmt.Errorf("环境变量 CPC_AUTO_APPLY_BUDGET 解析失败: %w", err)
		}
		c.AutoApplyBudget = v
	}
	if raw, ok := lookup("CPC_TENANTS"); ok && raw != "" {
		var tenants []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tenants = append(tenants, t)
			}
		}
		c.Tenants = tenants
	}
	return nil
}

// MaintainFloor 维持预算的ROAS下限，未显式配置时等于目标ROAS
func (c *ControllerConfig) MaintainFloor() float64 {
	if c.MaintainROASFloor > 0 {
		return c.MaintainROASFloor
	}
	return c.TargetROAS
}

// Validate 校验配置
func (c *ControllerConfig) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.TickInterval > 0, "tick_interval 必须大于0")
	check(len(c.Tenants) > 0, "tenants 不能为空")
	check(c.WorkerCount > 0, "worker_count 必须大于0")
	check(c.TargetCPA > 0, "target_cpa 必须大于0")
	check(c.TargetROAS > 0, "target_roas 必须大于0")
	check(c.MinCTR > 0 && c.MinCTR < 1, "min_ctr 必须在(0,1)内")
	check(c.MinCVR > 0 && c.MinCVR < 1, "min_cvr 必须在(0,1)内")
	check(c.MaxCPAMultiplier >= 1, "max_cpa_multiplier 不能小于1")
	check(c.MinROAS > 0, "min_roas 必须大于0")
	check(c.NoConversionSpendLimit > 0, "no_conversion_spend_limit 必须大于0")
	check(c.CeilingROAS > c.ScaleROASThreshold, "ceiling_roas 必须大于 scale_roas_threshold")
	check(c.MaintainROASFloor >= 0, "maintain_roas_floor 不能为负数")
	check(c.ReduceROASFloor < c.MaintainFloor() && c.MaintainFloor() < c.ScaleROASThreshold,
		"ROAS分段阈值必须满足 reduce < maintain < scale")
	check(c.MaxBudgetIncrease > 0, "max_budget_increase 必须大于0")
	check(c.ModerateBudgetDecrease >= 0 && c.ModerateBudgetDecrease < 1, "moderate_budget_decrease 必须在[0,1)内")
	check(c.SevereBudgetDecrease >= c.ModerateBudgetDecrease && c.SevereBudgetDecrease < 1,
		"severe_budget_decrease 必须在[moderate,1)内")
	check(c.MinSpendForBudgetDecision >= 0, "min_spend_for_budget_decision 不能为负数")
	check(c.BudgetConfidenceSpend > 0, "budget_confidence_spend 必须大于0")
	check(c.BudgetConfidenceCap > 0 && c.BudgetConfidenceCap <= 1, "budget_confidence_cap 必须在(0,1]内")
	check(c.ThompsonDraws > 0, "thompson_draws 必须大于0")
	check(c.ExplorationFloor >= 0 && c.ExplorationFloor < 0.5, "exploration_floor 必须在[0,0.5)内")
	check(c.ConfidenceLevelDefault > 0 && c.ConfidenceLevelDefault < 1, "confidence_level_default 必须在(0,1)内")
	check(c.MinSampleSize >= 0, "min_sample_size 不能为负数")
	check(c.DriftMultiplier > 1, "drift_multiplier 必须大于1")
	check(c.AccuracyTolerance > 0, "accuracy_tolerance 必须大于0")
	check(c.MinFeatureFraction > 0 && c.MinFeatureFraction <= 1, "min_feature_fraction 必须在(0,1]内")
	check(c.CalibrationLearningRate >= 0, "calibration_learning_rate 不能为负数")
	check(c.CalibrationMaxStep >= 0, "calibration_max_step 不能为负数")
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts 必须大于0")
	check(c.Retry.BaseDelay >= 0, "retry.base_delay 不能为负数")
	check(c.Retry.Multiplier >= 1, "retry.multiplier 不能小于1")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter 必须在[0,1]内")
	check(c.Retry.CallTimeout > 0, "retry.call_timeout 必须大于0")
	check(c.PlatformRateLimit >= 0, "platform_rate_limit 不能为负数")
	check(c.MaxPausesPerWindow >= 0, "max_pauses_per_window 不能为负数")
	check(c.MaxPausesPerWindow == 0 || c.PauseQuotaWindow >= time.Second, "pause_quota_window 不能小于1秒")

	if len(problems) > 0 {
		return fmt.Errorf("配置校验失败: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Clone 拷贝配置，周期开始时取快照
func (c *ControllerConfig) Clone() *ControllerConfig {
	out := *c
	out.Tenants = append([]string(nil), c.Tenants...)
	return &out
}
