/*
 * @module service/models/experiment
 * @description A/B实验与变体模型，实验是系统中唯一的可变共享状态
 * @architecture DDD领域驱动设计 - 聚合根
 * @documentReference DESIGN.md
 * @stateFlow draft -> active -> paused/completed; paused -> active; completed为终态
 * @rules 所有修改由实验管理器在按实验ID加锁的前提下完成
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/experiment
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExperimentState 实验生命周期状态
type ExperimentState string

const (
	ExperimentDraft     ExperimentState = "draft"
	ExperimentActive    ExperimentState = "active"
	ExperimentPaused    ExperimentState = "paused"
	ExperimentCompleted ExperimentState = "completed"
)

// IsValid 判断状态取值是否合法
func (s ExperimentState) IsValid() bool {
	switch s {
	case ExperimentDraft, ExperimentActive, ExperimentPaused, ExperimentCompleted:
		return true
	}
	return false
}

// Variant 实验变体及其累计统计
type Variant struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	CreativeID  string  `json:"creative_id"`
	AdID        string  `json:"ad_id"` // 投放平台上的广告ID
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Spend       float64 `json:"spend"`
	Killed      bool    `json:"killed"` // 已被止损暂停，不再参与分配
}

// Alpha Beta后验参数 α = 1 + conversions
func (v Variant) Alpha() float64 {
	return 1 + float64(v.Conversions)
}

// Beta Beta后验参数 β = 1 + (clicks - conversions)
func (v Variant) Beta() float64 {
	failures := v.Clicks - v.Conversions
	if failures < 0 {
		failures = 0
	}
	return 1 + float64(failures)
}

// Experiment A/B实验
type Experiment struct {
	ID              string          `json:"id" gorm:"primaryKey;size:64"`
	TenantID        string          `json:"tenant_id" gorm:"not null;size:64;index"`
	Name            string          `json:"name" gorm:"not null;size:255"`
	Objective       string          `json:"objective" gorm:"size:64"` // conversions, ctr, roas
	TotalBudget     float64         `json:"total_budget"`
	State           ExperimentState `json:"state" gorm:"not null;size:20;default:'draft';index"`
	Variants        VariantList     `json:"variants" gorm:"type:jsonb"`
	Allocations     FloatMap        `json:"allocations,omitempty" gorm:"type:jsonb"` // 变体ID -> 当前预算
	WinnerVariantID string          `json:"winner_variant_id,omitempty" gorm:"size:64"`
	AllocationRound int             `json:"allocation_round"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (Experiment) TableName() string {
	return "experiments"
}

// BeforeCreate GORM钩子，创建前生成UUID
func (e *Experiment) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// Clone 深拷贝，供锁外读取
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	out := *e
	if e.Variants != nil {
		out.Variants = make(VariantList, len(e.Variants))
		copy(out.Variants, e.Variants)
	}
	out.Allocations = e.Allocations.Clone()
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// VariantIndex 返回变体下标，不存在时返回-1
func (e *Experiment) VariantIndex(variantID string) int {
	for i, v := range e.Variants {
		if v.ID == variantID {
			return i
		}
	}
	return -1
}

// AdIDs 返回实验涉及的所有广告ID
func (e *Experiment) AdIDs() []string {
	ids := make([]string, 0, len(e.Variants))
	for _, v := range e.Variants {
		if v.AdID != "" {
			ids = append(ids, v.AdID)
		}
	}
	return ids
}
