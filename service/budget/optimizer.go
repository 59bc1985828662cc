/*
 * @module service/budget/optimizer
 * @description 预算优化器，按ROAS分段给出非实验广告的预算调整建议
 * @architecture 纯函数组件 - 无副作用
 * @documentReference DESIGN.md
 * @stateFlow 指标快照 -> 花费门槛 -> ROAS分段 -> 调整比例 -> 建议预算
 * @rules 花费低于门槛不给建议；扩量比例随ROAS单调不减且不超过上限；建议预算精确到分
 * @dependencies github.com/shopspring/decimal, cpc-service/service/config
 * @refs service/scheduler/controller_loop.go
 */

package budget

import (
	"fmt"
	"math"

	"cpc-service/service/config"
	"cpc-service/service/models"

	"github.com/shopspring/decimal"
)

// Optimizer 预算优化器
type Optimizer struct {
	cfg *config.ControllerConfig
}

// NewOptimizer 创建预算优化器
func NewOptimizer(cfg *config.ControllerConfig) *Optimizer {
	return &Optimizer{cfg: cfg}
}

// ChangeFraction 根据ROAS计算预算调整比例（0.375 表示 +37.5%）
//
// ROAS >= scale:            max × clamp(0.5 + (roas-scale)/(ceiling-scale), 0.5, 1)
// maintain <= ROAS < scale: 0，maintain 未配置时取 target_roas
// reduce <= ROAS < maintain: -moderate
// ROAS < reduce:            -severe
func (o *Optimizer) ChangeFraction(roas float64) (float64, string) {
	c := o.cfg
	switch {
	case roas >= c.ScaleROASThreshold:
		span := c.CeilingROAS - c.ScaleROASThreshold
		scale := 1.0
		if span > 0 {
			scale = 0.5 + (roas-c.ScaleROASThreshold)/span
		}
		scale = math.Max(0.5, math.Min(1, scale))
		return c.MaxBudgetIncrease * scale, "scale"
	case roas >= c.MaintainFloor():
		return 0, "maintain"
	case roas >= c.ReduceROASFloor:
		return -c.ModerateBudgetDecrease, "reduce"
	default:
		return -c.SevereBudgetDecrease, "cut"
	}
}

// Recommend 计算单个广告的预算建议
func (o *Optimizer) Recommend(m models.AdMetrics) (*models.BudgetRecommendation, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Spend < o.cfg.MinSpendForBudgetDecision {
		return nil, fmt.Errorf("%w: 广告 %s 花费 %.2f 低于决策门槛 %.2f",
			models.ErrInsufficientData, m.AdID, m.Spend, o.cfg.MinSpendForBudgetDecision)
	}

	roas := m.ROAS()
	fraction, band := o.ChangeFraction(roas)

	current := decimal.NewFromFloat(m.DailyBudget)
	recommended := current.Mul(decimal.NewFromFloat(1 + fraction)).Round(2)
	if recommended.IsNegative() {
		recommended = decimal.Zero
	}

	return &models.BudgetRecommendation{
		AdID:              m.AdID,
		CurrentBudget:     current.Round(2).InexactFloat64(),
		RecommendedBudget: recommended.InexactFloat64(),
		PercentChange:     fraction * 100,
		Reason:            fmt.Sprintf("%s: ROAS %.2f", band, roas),
		Confidence:        o.confidence(m.Spend),
	}, nil
}

// RecommendBatch 批量计算预算建议，建议与输入顺序一致；数据不足或校验失败的广告按广告ID记录原因
func (o *Optimizer) RecommendBatch(snapshots []models.AdMetrics) ([]models.BudgetRecommendation, map[string]error) {
	out := make([]models.BudgetRecommendation, 0, len(snapshots))
	skipped := make(map[string]error)
	for _, m := range snapshots {
		rec, err := o.Recommend(m)
		if err != nil {
			skipped[m.AdID] = err
			continue
		}
		out = append(out, *rec)
	}
	return out, skipped
}

// confidence 花费越多置信度越高，不超过上限
func (o *Optimizer) confidence(spend float64) float64 {
	if spend <= 0 {
		return 0
	}
	return math.Min(o.cfg.BudgetConfidenceCap, spend/(spend+o.cfg.BudgetConfidenceSpend))
}
