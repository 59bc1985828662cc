/*
 * @module service/database/metrics_source
 * @description 基于快照表的指标输入端口，采集方写入快照，控制循环读取每个广告的最新快照
 * @architecture 端口适配器模式 - 适配器层
 * @documentReference DESIGN.md
 * @stateFlow 快照写入 -> latest_ad_metrics 视图 -> 控制循环
 * @rules 快照只追加；写入前做结构校验
 * @dependencies gorm.io/gorm
 * @refs service/platform/ports.go, service/database/views/controller_views.go
 */

package database

import (
	"context"
	"fmt"
	"time"

	"cpc-service/service/models"

	"gorm.io/gorm"
)

// MetricsSource 实现 platform.MetricsSource
type MetricsSource struct {
	db  *gorm.DB
	now func() time.Time
}

// NewMetricsSource 创建快照表指标源
func NewMetricsSource(db *gorm.DB) *MetricsSource {
	return &MetricsSource{db: db, now: time.Now}
}

// FetchSnapshots 返回租户每个广告的最新快照，按广告ID排序
func (s *MetricsSource) FetchSnapshots(ctx context.Context, tenantID string) ([]models.AdMetrics, error) {
	var snapshots []models.AdMetrics
	err := s.db.WithContext(ctx).
		Table("latest_ad_metrics").
		Where("tenant_id = ?", tenantID).
		Order("ad_id ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("查询租户 %s 指标快照失败: %w", tenantID, err)
	}
	return snapshots, nil
}

// Tenants 返回有快照数据的租户
func (s *MetricsSource) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&models.AdMetrics{}).
		Distinct().
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("查询租户列表失败: %w", err)
	}
	return tenants, nil
}

// RecordSnapshots 写入一批快照，任意一条不合法时整批拒绝
func (s *MetricsSource) RecordSnapshots(ctx context.Context, tenantID string, snapshots []models.AdMetrics) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: 租户不能为空", models.ErrValidation)
	}
	rows := make([]models.AdMetrics, 0, len(snapshots))
	for _, snap := range snapshots {
		if err := snap.Validate(); err != nil {
			return 0, err
		}
		snap.ID = 0
		snap.TenantID = tenantID
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = s.now()
		}
		rows = append(rows, snap)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return 0, fmt.Errorf("写入指标快照失败: %w", err)
	}
	return len(rows), nil
}
