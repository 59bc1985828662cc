/*
 * @module service/models/ad_metrics
 * @description 广告效果指标快照模型，每个采集周期生成一份新的不可变快照
 * @architecture DDD领域驱动设计 - 值对象
 * @documentReference DESIGN.md
 * @stateFlow 指标采集 -> 快照校验 -> 控制循环消费
 * @rules 快照不可原地修改；累计指标跨周期单调不减
 * @dependencies gorm.io/gorm
 * @refs service/scheduler/controller_loop.go, service/kill_switch
 */

package models

import (
	"fmt"
	"time"
)

// AdMetrics 广告指标快照
type AdMetrics struct {
	ID               uint       `json:"-" gorm:"primaryKey;autoIncrement"`
	TenantID         string     `json:"tenant_id" gorm:"not null;size:64;index:idx_snapshot_tenant_ad"`
	AdID             string     `json:"ad_id" gorm:"not null;size:64;index:idx_snapshot_tenant_ad"`
	CampaignID       string     `json:"campaign_id" gorm:"size:64"`
	Spend            float64    `json:"spend"`
	DailyBudget      float64    `json:"daily_budget"`
	Impressions      int64      `json:"impressions"`
	Clicks           int64      `json:"clicks"`
	Conversions      int64      `json:"conversions"`
	Revenue          float64    `json:"revenue"`
	HoursRunning     float64    `json:"hours_running"`
	LastConversionAt *time.Time `json:"last_conversion_at,omitempty"`
	CapturedAt       time.Time  `json:"captured_at" gorm:"not null;index"`
}

// TableName 指定快照表名
func (AdMetrics) TableName() string {
	return "ad_metrics_snapshots"
}

// CTR 点击率 clicks/impressions
func (m AdMetrics) CTR() float64 {
	if m.Impressions <= 0 {
		return 0
	}
	return float64(m.Clicks) / float64(m.Impressions)
}

// CVR 转化率 conversions/clicks
func (m AdMetrics) CVR() float64 {
	if m.Clicks <= 0 {
		return 0
	}
	return float64(m.Conversions) / float64(m.Clicks)
}

// CPA 单次转化成本，无转化时返回0
func (m AdMetrics) CPA() float64 {
	if m.Conversions <= 0 {
		return 0
	}
	return m.Spend / float64(m.Conversions)
}

// ROAS 广告支出回报率 revenue/spend
func (m AdMetrics) ROAS() float64 {
	if m.Spend <= 0 {
		return 0
	}
	return m.Revenue / m.Spend
}

// Validate 校验单个快照的结构合法性
func (m AdMetrics) Validate() error {
	if m.AdID == "" {
		return fmt.Errorf("%w: 广告ID不能为空", ErrValidation)
	}
	if m.Spend < 0 || m.Revenue < 0 || m.DailyBudget < 0 {
		return fmt.Errorf("%w: 广告 %s 金额字段不能为负数", ErrValidation, m.AdID)
	}
	if m.Impressions < 0 || m.Clicks < 0 || m.Conversions < 0 {
		return fmt.Errorf("%w: 广告 %s 计数字段不能为负数", ErrValidation, m.AdID)
	}
	if m.Clicks > m.Impressions {
		return fmt.Errorf("%w: 广告 %s 点击数(%d)大于展示数(%d)", ErrValidation, m.AdID, m.Clicks, m.Impressions)
	}
	if m.Conversions > m.Clicks {
		return fmt.Errorf("%w: 广告 %s 转化数(%d)大于点击数(%d)", ErrValidation, m.AdID, m.Conversions, m.Clicks)
	}
	return nil
}

// CheckMonotonic 检查相对上一快照的累计指标是否回退
func (m AdMetrics) CheckMonotonic(prev AdMetrics) error {
	switch {
	case m.Spend < prev.Spend:
		return fmt.Errorf("%w: 广告 %s 花费回退 %.2f -> %.2f", ErrValidation, m.AdID, prev.Spend, m.Spend)
	case m.Impressions < prev.Impressions:
		return fmt.Errorf("%w: 广告 %s 展示数回退 %d -> %d", ErrValidation, m.AdID, prev.Impressions, m.Impressions)
	case m.Clicks < prev.Clicks:
		return fmt.Errorf("%w: 广告 %s 点击数回退 %d -> %d", ErrValidation, m.AdID, prev.Clicks, m.Clicks)
	case m.Conversions < prev.Conversions:
		return fmt.Errorf("%w: 广告 %s 转化数回退 %d -> %d", ErrValidation, m.AdID, prev.Conversions, m.Conversions)
	}
	return nil
}
