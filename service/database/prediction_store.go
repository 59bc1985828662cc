/*
 * @module service/database/prediction_store
 * @description 预测记录、实际结果和权重版本的GORM存储
 * @architecture 数据访问层 - 仓储实现
 * @documentReference DESIGN.md
 * @stateFlow 预测登记 -> 结果写入 -> 窗口查询
 * @rules 预测和结果只插入不更新，主键冲突转换为领域错误
 * @dependencies gorm.io/gorm, cpc-service/service/accuracy
 * @refs service/accuracy/tracker.go, service/prediction/weight_calibrator.go
 */

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cpc-service/service/accuracy"
	"cpc-service/service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PredictionStore 实现 accuracy.Store
type PredictionStore struct {
	db *gorm.DB
}

// NewPredictionStore 创建预测存储
func NewPredictionStore(db *gorm.DB) *PredictionStore {
	return &PredictionStore{db: db}
}

var _ accuracy.Store = (*PredictionStore)(nil)

func (s *PredictionStore) SavePrediction(ctx context.Context, record *models.PredictionRecord) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("保存预测失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrDuplicateID, record.ID)
	}
	return nil
}

func (s *PredictionStore) GetPrediction(ctx context.Context, id string) (*models.PredictionRecord, error) {
	var record models.PredictionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPrediction, id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询预测失败: %w", err)
	}
	return &record, nil
}

func (s *PredictionStore) GetOutcome(ctx context.Context, predictionID string) (*models.OutcomeRecord, error) {
	var outcome models.OutcomeRecord
	err := s.db.WithContext(ctx).Where("prediction_id = ?", predictionID).First(&outcome).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询实际结果失败: %w", err)
	}
	return &outcome, nil
}

func (s *PredictionStore) SaveOutcome(ctx context.Context, outcome *models.OutcomeRecord) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(outcome)
	if result.Error != nil {
		return fmt.Errorf("保存实际结果失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrConflictingOutcome, outcome.PredictionID)
	}
	return nil
}

// settledRow settled_predictions 视图的一行
type settledRow struct {
	models.PredictionRecord
	ActualCTR  float64
	ActualROAS float64
	LoggedAt   time.Time
}

func (s *PredictionStore) ListSettled(ctx context.Context, tenantID string, since time.Time) ([]accuracy.SettledPrediction, error) {
	query := s.db.WithContext(ctx).
		Table("settled_predictions").
		Where("logged_at >= ?", since)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var rows []settledRow
	err := query.Order("logged_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询已结算预测失败: %w", err)
	}

	out := make([]accuracy.SettledPrediction, 0, len(rows))
	for _, row := range rows {
		out = append(out, accuracy.SettledPrediction{
			Prediction: row.PredictionRecord,
			Outcome: models.OutcomeRecord{
				PredictionID: row.ID,
				ActualCTR:    row.ActualCTR,
				ActualROAS:   row.ActualROAS,
				LoggedAt:     row.LoggedAt,
			},
		})
	}
	return out, nil
}

func (s *PredictionStore) ListUnsettled(ctx context.Context, tenantID string, subjectIDs []string) ([]models.PredictionRecord, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Where("subject_id IN ?", subjectIDs).
		Where("NOT EXISTS (SELECT 1 FROM outcome_records o WHERE o.prediction_id = prediction_records.id)")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var records []models.PredictionRecord
	err := query.Order("created_at ASC, id ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询未结算预测失败: %w", err)
	}
	return records, nil
}

// WeightStore 实现 prediction.WeightStore，每个版本一行
type WeightStore struct {
	db *gorm.DB
}

// NewWeightStore 创建权重存储
func NewWeightStore(db *gorm.DB) *WeightStore {
	return &WeightStore{db: db}
}

// LatestWeights 返回版本号最大的权重，没有记录时返回 nil, nil
func (s *WeightStore) LatestWeights(ctx context.Context) (*models.WeightVector, error) {
	var weights models.WeightVector
	err := s.db.WithContext(ctx).Order("version DESC").First(&weights).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询最新权重失败: %w", err)
	}
	return &weights, nil
}

// SaveWeights 插入新版本，版本号已存在时报错
func (s *WeightStore) SaveWeights(ctx context.Context, weights *models.WeightVector) error {
	if err := s.db.WithContext(ctx).Create(weights).Error; err != nil {
		return fmt.Errorf("保存权重版本 %d 失败: %w", weights.Version, err)
	}
	return nil
}

// History 按版本倒序返回最近的权重版本
func (s *WeightStore) History(ctx context.Context, limit int) ([]models.WeightVector, error) {
	if limit <= 0 {
		limit = 20
	}
	var list []models.WeightVector
	if err := s.db.WithContext(ctx).Order("version DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询权重历史失败: %w", err)
	}
	return list, nil
}
