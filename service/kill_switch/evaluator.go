/*
 * @module service/kill_switch/evaluator
 * @description 止损评估器，按规则梯度判定广告是否应暂停，并估算可避免的浪费花费
 * @architecture 纯函数组件 - 无副作用
 * @documentReference DESIGN.md
 * @stateFlow 指标快照 -> 规则梯度（首个命中） -> 置信度/浪费估算 -> 止损决策
 * @rules 阈值比较均为严格比较；每条规则有最小样本门槛；批量结果按浪费花费降序、广告ID升序
 * @dependencies golang.org/x/text/message, cpc-service/service/config
 * @refs service/kill_switch/executor.go, service/scheduler/controller_loop.go
 */

package kill_switch

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"cpc-service/service/config"
	"cpc-service/service/models"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// severitySlope 置信度曲线斜率，严重度比值为1时置信度0.5
const severitySlope = 1.5

// rule 单条止损规则
type rule struct {
	reason models.KillReason
	// check 返回是否命中以及严重度比值（>1，越大越严重）
	check func(m models.AdMetrics) (bool, float64)
	// describe 生成规则描述
	describe func(p *message.Printer, m models.AdMetrics) string
}

// Evaluator 止损评估器
type Evaluator struct {
	cfg     *config.ControllerConfig
	ladder  []rule
	printer *message.Printer
	now     func() time.Time
}

// NewEvaluator 创建止损评估器
func NewEvaluator(cfg *config.ControllerConfig) *Evaluator {
	e := &Evaluator{
		cfg:     cfg,
		printer: message.NewPrinter(language.English),
		now:     time.Now,
	}
	e.ladder = e.buildLadder()
	return e
}

// buildLadder 按优先级构造规则梯度，首个命中的规则生效
func (e *Evaluator) buildLadder() []rule {
	c := e.cfg
	return []rule{
		{
			reason: models.KillReasonLowCTR,
			check: func(m models.AdMetrics) (bool, float64) {
				if m.Impressions < c.MinImpressionsForCTR || !(m.CTR() < c.MinCTR) {
					return false, 0
				}
				return true, ratio(c.MinCTR, m.CTR())
			},
			describe: func(p *message.Printer, m models.AdMetrics) string {
				return p.Sprintf("CTR %.2f%% 低于阈值 %.2f%%（展示 %d）", m.CTR()*100, c.MinCTR*100, m.Impressions)
			},
		},
		{
			reason: models.KillReasonLowCVR,
			check: func(m models.AdMetrics) (bool, float64) {
				if m.Clicks < c.MinClicksForCVR || !(m.CVR() < c.MinCVR) {
					return false, 0
				}
				return true, ratio(c.MinCVR, m.CVR())
			},
			describe: func(p *message.Printer, m models.AdMetrics) string {
				return p.Sprintf("CVR %.2f%% 低于阈值 %.2f%%（点击 %d）", m.CVR()*100, c.MinCVR*100, m.Clicks)
			},
		},
		{
			reason: models.KillReasonHighCPA,
			check: func(m models.AdMetrics) (bool, float64) {
				limit := c.MaxCPAMultiplier * c.TargetCPA
				if m.Conversions < c.MinConversionsForCPA || !(m.CPA() > limit) {
					return false, 0
				}
				return true, ratio(m.CPA(), limit)
			},
			describe: func(p *message.Printer, m models.AdMetrics) string {
				return p.Sprintf("CPA $%.2f 超过目标的 %.1f 倍（$%.2f）", m.CPA(), c.MaxCPAMultiplier, c.MaxCPAMultiplier*c.TargetCPA)
			},
		},
		{
			// 无转化的广告归入 NO_CONVERSIONS，ROAS规则只评估已有转化的广告
			reason: models.KillReasonNegativeROAS,
			check: func(m models.AdMetrics) (bool, float64) {
				if m.Conversions == 0 || m.Spend < c.MinSpendForROAS || !(m.ROAS() < c.MinROAS) {
					return false, 0
				}
				return true, ratio(c.MinROAS, m.ROAS())
			},
			describe: func(p *message.Printer, m models.AdMetrics) string {
				return p.Sprintf("ROAS %.2f 低于阈值 %.2f（花费 $%.2f）", m.ROAS(), c.MinROAS, m.Spend)
			},
		},
		{
			reason: models.KillReasonNoConversions,
			check: func(m models.AdMetrics) (bool, float64) {
				if m.Conversions != 0 || m.Spend < c.NoConversionSpendLimit {
					return false, 0
				}
				return true, ratio(m.Spend, c.NoConversionSpendLimit)
			},
			describe: func(p *message.Printer, m models.AdMetrics) string {
				return p.Sprintf("花费 $%.2f 无任何转化（上限 $%.2f）", m.Spend, c.NoConversionSpendLimit)
			},
		},
	}
}

// Evaluate 评估单个广告
func (e *Evaluator) Evaluate(m models.AdMetrics) (models.KillDecision, error) {
	decision := models.KillDecision{
		AdID:      m.AdID,
		Reason:    models.KillReasonNone,
		Metrics:   m,
		DecidedAt: e.now(),
	}
	if err := m.Validate(); err != nil {
		return decision, err
	}

	for _, r := range e.ladder {
		hit, severity := r.check(m)
		if !hit {
			continue
		}
		waste := e.wastePrevented(m)
		decision.ShouldKill = true
		decision.Reason = r.reason
		decision.Confidence = confidence(severity)
		decision.WastePrevented = waste
		decision.Recommendation = e.printer.Sprintf("暂停广告 %s：%s，预计避免浪费 $%.2f",
			m.AdID, r.describe(e.printer, m), waste)
		return decision, nil
	}

	decision.Recommendation = e.printer.Sprintf("广告 %s 未触发止损规则，继续投放", m.AdID)
	return decision, nil
}

// BatchEvaluate 批量评估，只返回应止损的决策，按浪费花费降序、广告ID升序排列
func (e *Evaluator) BatchEvaluate(snapshots []models.AdMetrics) []models.KillDecision {
	kills := make([]models.KillDecision, 0)
	for _, m := range snapshots {
		decision, err := e.Evaluate(m)
		if err != nil {
			slog.Warn("指标校验失败，跳过止损评估", "ad_id", m.AdID, "error", err)
			continue
		}
		if decision.ShouldKill {
			kills = append(kills, decision)
		}
	}

	sort.SliceStable(kills, func(i, j int) bool {
		if kills[i].WastePrevented != kills[j].WastePrevented {
			return kills[i].WastePrevented > kills[j].WastePrevented
		}
		return kills[i].AdID < kills[j].AdID
	})
	return kills
}

// wastePrevented 超出目标CPA所能解释部分的花费
func (e *Evaluator) wastePrevented(m models.AdMetrics) float64 {
	return math.Max(0, m.Spend-float64(m.Conversions)*e.cfg.TargetCPA)
}

// confidence 严重度比值映射到[0,1]，比值越大置信度越高
func confidence(severity float64) float64 {
	if math.IsInf(severity, 1) {
		return 1
	}
	c := 0.5 + 0.5*math.Tanh(severitySlope*(severity-1))
	return math.Min(1, math.Max(0, c))
}

// ratio 严重度比值，分母为0时视为无穷大
func ratio(numerator, denominator float64) float64 {
	if denominator <= 0 {
		return math.Inf(1)
	}
	return numerator / denominator
}
