/*
 * @module service/models/prediction
 * @description 预测记录与实际结果记录，两者分表追加写入，保证历史可审计
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference DESIGN.md
 * @stateFlow 评分 -> 预测登记 -> 结果结算 -> 误差统计
 * @rules 预测记录创建后不可更新；每个预测最多对应一条结果记录
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/prediction, service/accuracy
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PredictionRecord 预测记录
type PredictionRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;size:64"`
	TenantID       string    `json:"tenant_id" gorm:"size:100;index"`
	SubjectID      string    `json:"subject_id" gorm:"not null;size:64;index"` // 广告或素材片段ID
	PredictedCTR   float64   `json:"predicted_ctr"`
	PredictedROAS  float64   `json:"predicted_roas"`
	CompositeScore float64   `json:"composite_score"`
	Confidence     float64   `json:"confidence"`
	WeightVersion  int       `json:"weight_version"`
	SubScores      FloatMap  `json:"sub_scores,omitempty" gorm:"type:jsonb"` // 评分时使用的子评分，供权重校准
	CreatedAt      time.Time `json:"created_at" gorm:"not null;index"`
}

// TableName 指定表名
func (PredictionRecord) TableName() string {
	return "prediction_records"
}

// BeforeCreate GORM钩子，创建前生成UUID
func (p *PredictionRecord) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return nil
}

// ActualValue 实际观测值
type ActualValue struct {
	CTR  float64 `json:"ctr"`
	ROAS float64 `json:"roas"`
}

// OutcomeRecord 实际结果记录
type OutcomeRecord struct {
	PredictionID string    `json:"prediction_id" gorm:"primaryKey;size:64"`
	ActualCTR    float64   `json:"actual_ctr"`
	ActualROAS   float64   `json:"actual_roas"`
	LoggedAt     time.Time `json:"logged_at" gorm:"not null;index"`
}

// TableName 指定表名
func (OutcomeRecord) TableName() string {
	return "outcome_records"
}

// Actual 返回结果中的实际值
func (o OutcomeRecord) Actual() ActualValue {
	return ActualValue{CTR: o.ActualCTR, ROAS: o.ActualROAS}
}

// AccuracyReport 预测准确度报告
type AccuracyReport struct {
	TenantID      string    `json:"tenant_id,omitempty"`
	SampleCount   int       `json:"sample_count"`
	MAPE          float64   `json:"mape"`
	CTRMAPE       float64   `json:"ctr_mape"`
	ROASMAPE      float64   `json:"roas_mape"`
	MAPE7d        float64   `json:"mape_7d"`
	MAPE30d       float64   `json:"mape_30d"`
	Samples7d     int       `json:"samples_7d"`
	Samples30d    int       `json:"samples_30d"`
	Accuracy7d    float64   `json:"accuracy_7d"`  // 7天窗口内误差落在容差带内的比例
	Accuracy30d   float64   `json:"accuracy_30d"` // 30天窗口内误差落在容差带内的比例
	DriftDetected bool      `json:"drift_detected"`
	GeneratedAt   time.Time `json:"generated_at"`
}
