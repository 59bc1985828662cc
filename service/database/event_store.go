package database

import (
	"context"
	"fmt"
	"time"

	"cpc-service/service/models"

	"gorm.io/gorm"
)

// EventStore 控制器事件日志，实现 platform.EventSink
type EventStore struct {
	db        *gorm.DB
	batchSize int
}

// NewEventStore 创建事件存储
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db, batchSize: 200}
}

// PublishEvents 批量追加事件
func (s *EventStore) PublishEvents(ctx context.Context, events []*models.ControllerEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(events, s.batchSize).Error; err != nil {
		return fmt.Errorf("写入控制器事件失败: %w", err)
	}
	return nil
}

// EventQuery 事件查询条件
type EventQuery struct {
	TenantID  string
	CycleID   string
	Type      models.ControllerEventType
	SubjectID string
	Since     time.Time
	Page      int
	PageSize  int
}

// ListEvents 分页查询事件，按发生时间倒序
func (s *EventStore) ListEvents(ctx context.Context, q EventQuery) ([]models.ControllerEvent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.ControllerEvent{})
	if q.TenantID != "" {
		query = query.Where("tenant_id = ?", q.TenantID)
	}
	if q.CycleID != "" {
		query = query.Where("cycle_id = ?", q.CycleID)
	}
	if q.Type != "" {
		query = query.Where("type = ?", q.Type)
	}
	if q.SubjectID != "" {
		query = query.Where("subject_id = ?", q.SubjectID)
	}
	if !q.Since.IsZero() {
		query = query.Where("occurred_at >= ?", q.Since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计控制器事件失败: %w", err)
	}

	if q.PageSize <= 0 {
		q.PageSize = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	var events []models.ControllerEvent
	err := query.Order("occurred_at DESC, id DESC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询控制器事件失败: %w", err)
	}
	return events, total, nil
}
