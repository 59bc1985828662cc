/*
 * @module service/models/kill_decision
 * @description 止损决策模型，决策作为事件日志输出，不保存为可变状态
 * @architecture DDD领域驱动设计 - 值对象
 * @documentReference DESIGN.md
 * @stateFlow 规则评估 -> 决策生成 -> 暂停操作 -> 事件记录
 * @rules 止损原因为封闭集合，只能使用包内定义的取值
 * @dependencies encoding
 * @refs service/kill_switch
 */

package models

import (
	"fmt"
	"time"
)

// KillReason 止损原因，封闭集合，包外无法构造新取值
type KillReason struct {
	name string
}

var (
	KillReasonNone          = KillReason{}
	KillReasonLowCTR        = KillReason{name: "LOW_CTR"}
	KillReasonLowCVR        = KillReason{name: "LOW_CVR"}
	KillReasonHighCPA       = KillReason{name: "HIGH_CPA"}
	KillReasonNegativeROAS  = KillReason{name: "NEGATIVE_ROAS"}
	KillReasonNoConversions = KillReason{name: "NO_CONVERSIONS"}
)

// AllKillReasons 按规则梯度顺序返回全部止损原因
func AllKillReasons() []KillReason {
	return []KillReason{
		KillReasonLowCTR,
		KillReasonLowCVR,
		KillReasonHighCPA,
		KillReasonNegativeROAS,
		KillReasonNoConversions,
	}
}

// String 返回原因编码
func (r KillReason) String() string {
	if r.name == "" {
		return "NONE"
	}
	return r.name
}

// IsNone 是否为空原因
func (r KillReason) IsNone() bool {
	return r.name == ""
}

// MarshalText 实现 encoding.TextMarshaler
func (r KillReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler，只接受已知编码
func (r *KillReason) UnmarshalText(text []byte) error {
	parsed, err := ParseKillReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseKillReason 解析止损原因编码
func ParseKillReason(s string) (KillReason, error) {
	if s == "" || s == "NONE" {
		return KillReasonNone, nil
	}
	for _, reason := range AllKillReasons() {
		if reason.name == s {
			return reason, nil
		}
	}
	return KillReasonNone, fmt.Errorf("未知的止损原因: %s", s)
}

// KillDecision 止损决策
type KillDecision struct {
	AdID           string     `json:"ad_id"`
	ShouldKill     bool       `json:"should_kill"`
	Reason         KillReason `json:"reason"`
	Confidence     float64    `json:"confidence"`
	WastePrevented float64    `json:"waste_prevented"`
	Recommendation string     `json:"recommendation"`
	Metrics        AdMetrics  `json:"metrics"`
	DecidedAt      time.Time  `json:"decided_at"`
}

// BudgetRecommendation 预算调整建议，仅供参考，可重复计算
type BudgetRecommendation struct {
	AdID              string  `json:"ad_id"`
	CurrentBudget     float64 `json:"current_budget"`
	RecommendedBudget float64 `json:"recommended_budget"`
	PercentChange     float64 `json:"percent_change"` // 百分比，例如 37.5 表示 +37.5%
	Reason            string  `json:"reason"`
	Confidence        float64 `json:"confidence"`
}

// PausedAd 已成功暂停的广告，快照未增长前不再重复评估
type PausedAd struct {
	TenantID    string    `gorm:"primaryKey;type:varchar(100)" json:"tenant_id"`
	AdID        string    `gorm:"primaryKey;type:varchar(100)" json:"ad_id"`
	Reason      string    `gorm:"type:varchar(50)" json:"reason"`
	CycleID     string    `gorm:"type:varchar(100)" json:"cycle_id"`
	Impressions int64     `json:"impressions"`
	Spend       float64   `json:"spend"`
	PausedAt    time.Time `json:"paused_at"`
}

// TableName 指定表名
func (PausedAd) TableName() string {
	return "paused_ads"
}

// NewPausedAd 由止损决策生成暂停记录
func NewPausedAd(tenantID, cycleID string, d KillDecision, at time.Time) PausedAd {
	return PausedAd{
		TenantID:    tenantID,
		AdID:        d.AdID,
		Reason:      d.Reason.String(),
		CycleID:     cycleID,
		Impressions: d.Metrics.Impressions,
		Spend:       d.Metrics.Spend,
		PausedAt:    at,
	}
}

// Resumed 快照的展示或花费超过暂停时的值，说明广告已在平台被重新启用
func (p PausedAd) Resumed(m AdMetrics) bool {
	return m.Impressions > p.Impressions || m.Spend > p.Spend
}
