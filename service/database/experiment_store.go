package database

import (
	"context"
	"errors"
	"fmt"

	"cpc-service/service/experiment"
	"cpc-service/service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExperimentStore 实现 experiment.Store，按主键整行覆盖写入
type ExperimentStore struct {
	db *gorm.DB
}

// NewExperimentStore 创建实验存储
func NewExperimentStore(db *gorm.DB) *ExperimentStore {
	return &ExperimentStore{db: db}
}

var _ experiment.Store = (*ExperimentStore)(nil)

func (s *ExperimentStore) SaveExperiment(ctx context.Context, exp *models.Experiment) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(exp).Error
	if err != nil {
		return fmt.Errorf("保存实验失败: %w", err)
	}
	return nil
}

func (s *ExperimentStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	var exp models.Experiment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&exp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrExperimentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询实验失败: %w", err)
	}
	return &exp, nil
}

func (s *ExperimentStore) ListExperiments(ctx context.Context, tenantID string) ([]*models.Experiment, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var list []*models.Experiment
	if err := query.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询实验列表失败: %w", err)
	}
	return list, nil
}
