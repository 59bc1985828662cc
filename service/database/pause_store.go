package database

import (
	"context"
	"fmt"

	"cpc-service/service/kill_switch"
	"cpc-service/service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PauseStore 实现 kill_switch.PauseLedger，多实例共享暂停记录
type PauseStore struct {
	db *gorm.DB
}

// NewPauseStore 创建暂停记录存储
func NewPauseStore(db *gorm.DB) *PauseStore {
	return &PauseStore{db: db}
}

var _ kill_switch.PauseLedger = (*PauseStore)(nil)

func (s *PauseStore) PausedAds(ctx context.Context, tenantID string) (map[string]models.PausedAd, error) {
	var rows []models.PausedAd
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询暂停记录失败: %w", err)
	}
	out := make(map[string]models.PausedAd, len(rows))
	for _, p := range rows {
		out[p.AdID] = p
	}
	return out, nil
}

func (s *PauseStore) RecordPause(ctx context.Context, paused models.PausedAd) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&paused).Error
	if err != nil {
		return fmt.Errorf("保存暂停记录失败: %w", err)
	}
	return nil
}

func (s *PauseStore) ClearPause(ctx context.Context, tenantID, adID string) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND ad_id = ?", tenantID, adID).
		Delete(&models.PausedAd{}).Error
	if err != nil {
		return fmt.Errorf("删除暂停记录失败: %w", err)
	}
	return nil
}
